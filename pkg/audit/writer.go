package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mcp-ambassador/ambassador/pkg/logger"
)

// Writer tuning defaults.
const (
	// FlushThreshold is the buffer length that triggers an automatic flush.
	FlushThreshold = 100

	// DefaultFlushInterval is the periodic flush tick.
	DefaultFlushInterval = 5 * time.Second

	// DefaultRetentionDays is how long daily files are kept.
	DefaultRetentionDays = 90
)

var auditFilePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})\.jsonl$`)

// Writer is the single per-process audit sink. Emitters append to an
// in-memory buffer; a single flusher drains it into daily JSONL files.
type Writer struct {
	dir           string
	retentionDays int
	flushInterval time.Duration

	// flushMu serializes flushers; Close holds it across the final
	// drain so an in-flight flush cannot re-buffer events afterwards.
	flushMu sync.Mutex

	mu     sync.Mutex
	buf    []Event
	closed bool

	// appendFn writes one day's batch; overridable in tests.
	appendFn func(date string, events []Event) error
}

// WriterOption customizes a Writer.
type WriterOption func(*Writer)

// WithRetentionDays overrides the retention horizon.
func WithRetentionDays(days int) WriterOption {
	return func(w *Writer) { w.retentionDays = days }
}

// WithFlushInterval overrides the periodic flush tick.
func WithFlushInterval(d time.Duration) WriterOption {
	return func(w *Writer) { w.flushInterval = d }
}

// NewWriter creates a Writer over dir, creating it 0700 if needed. The dir
// must be absolute and free of ".." segments. Retention runs once at init.
func NewWriter(dir string, opts ...WriterOption) (*Writer, error) {
	cleaned := filepath.Clean(dir)
	if !filepath.IsAbs(cleaned) {
		return nil, fmt.Errorf("audit dir %q is not absolute", dir)
	}
	if strings.Contains(dir, "..") {
		return nil, fmt.Errorf("audit dir %q contains a parent traversal", dir)
	}
	if err := os.MkdirAll(cleaned, 0700); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}

	w := &Writer{
		dir:           cleaned,
		retentionDays: DefaultRetentionDays,
		flushInterval: DefaultFlushInterval,
	}
	w.appendFn = w.appendFile
	for _, opt := range opts {
		opt(w)
	}

	if n, err := w.Prune(); err != nil {
		logger.Warnf("audit retention at init: %v", err)
	} else if n > 0 {
		logger.Infof("audit retention pruned %d files", n)
	}
	return w, nil
}

// Emit buffers one event. When the buffer reaches FlushThreshold the
// writer flushes inline. After Close events are dropped with a warning.
func (w *Writer) Emit(event Event) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		logger.Warnf("audit event %s dropped: writer closed", event.EventID)
		return
	}
	w.buf = append(w.buf, event)
	full := len(w.buf) >= FlushThreshold
	w.mu.Unlock()

	if full {
		if err := w.Flush(); err != nil {
			logger.Warnf("audit auto-flush: %v", err)
		}
	}
}

// EmitBatch buffers several events at once.
func (w *Writer) EmitBatch(events []Event) {
	for _, e := range events {
		w.Emit(e)
	}
}

// Flush drains the buffer into daily files. Only one flusher runs at a
// time; a concurrent call returns immediately. Events whose file write
// fails are put back at the front of the buffer.
func (w *Writer) Flush() error {
	if !w.flushMu.TryLock() {
		return nil
	}
	defer w.flushMu.Unlock()
	return w.drain()
}

// drain empties the buffer into daily files. Callers hold flushMu.
func (w *Writer) drain() error {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	// Group by date preserving insertion order within each group.
	var order []string
	groups := make(map[string][]Event)
	for _, e := range batch {
		d := e.date()
		if _, ok := groups[d]; !ok {
			order = append(order, d)
		}
		groups[d] = append(groups[d], e)
	}

	var failed []Event
	var firstErr error
	for _, date := range order {
		if err := w.appendFn(date, groups[date]); err != nil {
			logger.Warnf("audit flush for %s: %v", date, err)
			failed = append(failed, groups[date]...)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if len(failed) > 0 {
		w.mu.Lock()
		w.buf = append(failed, w.buf...)
		w.mu.Unlock()
	}
	return firstErr
}

// Run flushes periodically and prunes daily until ctx is done, then takes
// a final flush and closes the writer.
func (w *Writer) Run(ctx context.Context) {
	flush := time.NewTicker(w.flushInterval)
	defer flush.Stop()
	prune := time.NewTicker(24 * time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-flush.C:
			if err := w.Flush(); err != nil {
				logger.Warnf("audit periodic flush: %v", err)
			}
		case <-prune.C:
			if n, err := w.Prune(); err != nil {
				logger.Warnf("audit retention: %v", err)
			} else if n > 0 {
				logger.Infof("audit retention pruned %d files", n)
			}
		case <-ctx.Done():
			w.Close()
			return
		}
	}
}

// Close waits out any in-flight flush, takes the final drain itself and
// stops accepting events.
func (w *Writer) Close() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	if err := w.drain(); err != nil {
		logger.Errorf("audit final flush: %v", err)
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// Prune deletes daily files older than the retention horizon and returns
// how many were deleted.
func (w *Writer) Prune() (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("reading audit dir: %w", err)
	}

	horizon := time.Now().UTC().AddDate(0, 0, -w.retentionDays)
	deleted := 0
	for _, entry := range entries {
		m := auditFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		date, err := time.Parse(time.DateOnly, m[1])
		if err != nil {
			continue
		}
		if !date.Before(horizon) {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, entry.Name())); err != nil {
			logger.Warnf("audit retention removing %s: %v", entry.Name(), err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// BufferedEvents returns the current buffer length.
func (w *Writer) BufferedEvents() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

func (w *Writer) appendFile(date string, events []Event) error {
	path := filepath.Join(w.dir, "audit-"+date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}

	bw := bufio.NewWriter(f)
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("encoding event %s: %w", e.EventID, err)
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			_ = f.Close()
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	return f.Close()
}
