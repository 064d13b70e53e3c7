package backend

import (
	"bytes"
	"errors"
)

// Framing errors surfaced by SplitLines. Either one is fatal for the
// connection: the supervisor must kill the child and fail pending requests.
var (
	// ErrMessageTooLarge indicates a single message exceeded MaxMessageSize.
	ErrMessageTooLarge = errors.New("stdio message exceeds size limit")

	// ErrLineBufferOverflow indicates the un-terminated buffer exceeded
	// MaxLineBuffer.
	ErrLineBufferOverflow = errors.New("stdio line buffer overflow")
)

// SplitLines is the pure framing step for the stdio transport. It appends
// chunk to buf, extracts every complete newline-terminated message, and
// returns the remaining partial line. Empty lines are dropped.
//
// The caller drives it from the single stdout reader goroutine; there is no
// hidden state.
func SplitLines(buf, chunk []byte) (msgs [][]byte, rest []byte, err error) {
	rest = append(buf, chunk...)

	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}

		line := rest[:idx]
		rest = rest[idx+1:]

		// Tolerate CRLF peers.
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		if len(line) > MaxMessageSize {
			return msgs, rest, ErrMessageTooLarge
		}

		msg := make([]byte, len(line))
		copy(msg, line)
		msgs = append(msgs, msg)
	}

	if len(rest) > MaxLineBuffer {
		return msgs, rest, ErrLineBufferOverflow
	}
	return msgs, rest, nil
}
