package backend

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
)

// MCP method names used by the connection variants.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
	methodPing        = "ping"
)

// clientInfo identifies the ambassador to backends during initialize.
var clientInfo = mcp.Implementation{
	Name:    "mcp-ambassador",
	Version: "1.0.0",
}

// initializeParams builds the initialize request params.
func initializeParams() mcp.InitializeParams {
	return mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      clientInfo,
	}
}

// toolsListResult is the shape of a tools/list response payload.
type toolsListResult struct {
	Tools []mcp.Tool `json:"tools"`
}

// parseToolsList converts a tools/list result into domain descriptors.
func parseToolsList(result json.RawMessage) ([]ambassador.ToolDescriptor, error) {
	var payload toolsListResult
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed tools/list result: %v", ErrProtocol, err)
	}

	tools := make([]ambassador.ToolDescriptor, 0, len(payload.Tools))
	for _, t := range payload.Tools {
		desc := ambassador.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
		}
		if schema, err := json.Marshal(t.InputSchema); err == nil {
			var m map[string]any
			if err := json.Unmarshal(schema, &m); err == nil {
				desc.InputSchema = m
			}
		}
		tools = append(tools, desc)
	}
	return tools, nil
}

// toolCallResult is the shape of a tools/call response payload.
type toolCallResult struct {
	Content []ambassador.Content `json:"content"`
	IsError bool                 `json:"isError"`
}

// parseToolCall converts a tools/call result into a domain result, enforcing
// the response size caps: at most MaxContentItems items, each item and the
// total at most MaxResponseBytes.
func parseToolCall(result json.RawMessage) (*ambassador.InvocationResult, error) {
	var payload toolCallResult
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed tools/call result: %v", ErrProtocol, err)
	}

	if len(payload.Content) > MaxContentItems {
		return nil, fmt.Errorf("%w: %d content items (max %d)",
			ErrResponseTooLarge, len(payload.Content), MaxContentItems)
	}

	total := 0
	for i, item := range payload.Content {
		size := len(item.Text) + len(item.Data)
		if size > MaxResponseBytes {
			return nil, fmt.Errorf("%w: content item %d is %d bytes (max %d)",
				ErrResponseTooLarge, i, size, MaxResponseBytes)
		}
		total += size
		if total > MaxResponseBytes {
			return nil, fmt.Errorf("%w: content totals %d bytes (max %d)",
				ErrResponseTooLarge, total, MaxResponseBytes)
		}
	}

	return &ambassador.InvocationResult{
		Content: payload.Content,
		IsError: payload.IsError,
	}, nil
}

// toolCallParams builds the tools/call request params.
func toolCallParams(tool string, args map[string]any) map[string]any {
	params := map[string]any{"name": tool}
	if len(args) > 0 {
		params["arguments"] = args
	}
	return params
}
