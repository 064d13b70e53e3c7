package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/ambassador"
)

// Polling bounds for assert.Eventually.
const (
	testWait = 2 * time.Second
	testTick = 10 * time.Millisecond
)

func stubStdioConfig(argv ...string) ambassador.StdioConfig {
	if len(argv) == 0 {
		argv = []string{"mcp-server-github"}
	}
	return ambassador.StdioConfig{Command: argv}
}

// fakeMCPServer is a minimal streamable HTTP MCP peer for connection tests.
type fakeMCPServer struct {
	*httptest.Server

	// failCalls makes tools/call requests return HTTP 500 while positive.
	failCalls atomic.Int32

	// sseTools serves the tools/list response as an SSE stream.
	sseTools bool

	lastSessionID atomic.Pointer[string]
	calls         atomic.Int32
}

func newFakeMCPServer() *fakeMCPServer {
	f := &fakeMCPServer{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeMCPServer) handle(w http.ResponseWriter, r *http.Request) {
	if sid := r.Header.Get("Mcp-Session-Id"); sid != "" {
		f.lastSessionID.Store(&sid)
	}

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if msg.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch msg.Method {
	case methodInitialize:
		w.Header().Set("Mcp-Session-Id", "mcp-session-42")
		writeResult(w, *msg.ID, map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "fake", "version": "0.0.1"},
		})
	case methodToolsList:
		result := map[string]any{"tools": []map[string]any{
			{"name": "search_code", "description": "Search code"},
			{"name": "get_file", "description": "Fetch a file"},
		}}
		if f.sseTools {
			w.Header().Set("Content-Type", "text/event-stream")
			resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": *msg.ID, "result": result})
			_, _ = w.Write([]byte("event: message\ndata: " + string(resp) + "\n\n"))
			return
		}
		writeResult(w, *msg.ID, result)
	case methodToolsCall:
		f.calls.Add(1)
		if f.failCalls.Load() > 0 {
			f.failCalls.Add(-1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeResult(w, *msg.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "ok"}},
			"isError": false,
		})
	case methodPing:
		writeResult(w, *msg.ID, map[string]any{})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeResult(w http.ResponseWriter, id uint64, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}
