package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

// DefaultQueryLimit bounds a query that does not specify its own limit.
const DefaultQueryLimit = 1000

// maxLineSize bounds a single JSONL line during query scans.
const maxLineSize = 1 << 20

// QueryFilter selects audit events. Zero-value fields do not filter.
type QueryFilter struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	ClientID  string    `json:"client_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

func (q QueryFilter) matches(e Event) bool {
	if !q.StartTime.IsZero() && e.Timestamp.Before(q.StartTime) {
		return false
	}
	if !q.EndTime.IsZero() && e.Timestamp.After(q.EndTime) {
		return false
	}
	if q.ClientID != "" && e.ClientID != q.ClientID {
		return false
	}
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if q.Severity != "" && e.Severity != q.Severity {
		return false
	}
	return true
}

// Query streams the relevant daily files line by line and returns matching
// events, oldest file first, up to the limit. Missing files are skipped;
// unparseable lines are logged and skipped.
func (w *Writer) Query(ctx context.Context, q QueryFilter) ([]Event, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	start := q.StartTime.UTC()
	if start.IsZero() {
		start = time.Now().UTC().AddDate(0, 0, -w.retentionDays)
	}
	end := q.EndTime.UTC()
	if end.IsZero() {
		end = time.Now().UTC()
	}

	var out []Event
	for day := start.Truncate(24 * time.Hour); !day.After(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		done, err := w.scanFile(day.Format(time.DateOnly), q, &out)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return out, nil
}

// scanFile appends matches from one daily file; done reports that the
// limit has been reached.
func (w *Writer) scanFile(date string, q QueryFilter, out *[]Event) (bool, error) {
	path := filepath.Join(w.dir, "audit-"+date+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			logger.Warnf("audit query: skipping bad line in %s: %v", path, err)
			continue
		}
		if !q.matches(e) {
			continue
		}
		*out = append(*out, e)
		if len(*out) >= q.Limit {
			return true, nil
		}
	}
	return false, scanner.Err()
}
