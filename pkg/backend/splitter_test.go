package backend

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitLinesExtractsCompleteMessages(t *testing.T) {
	t.Parallel()

	msgs, rest, err := SplitLines(nil, []byte("{\"a\":1}\n{\"b\":2}\npartial"))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, `{"a":1}`, string(msgs[0]))
	assert.Equal(t, `{"b":2}`, string(msgs[1]))
	assert.Equal(t, "partial", string(rest))
}

func TestSplitLinesAccumulatesAcrossChunks(t *testing.T) {
	t.Parallel()

	msgs, rest, err := SplitLines(nil, []byte(`{"jsonrpc":`))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, rest, err = SplitLines(rest, []byte("\"2.0\"}\n"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"jsonrpc":"2.0"}`, string(msgs[0]))
	assert.Empty(t, rest)
}

func TestSplitLinesDropsEmptyAndCRLF(t *testing.T) {
	t.Parallel()

	msgs, _, err := SplitLines(nil, []byte("\r\n{\"a\":1}\r\n\n"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"a":1}`, string(msgs[0]))
}

func TestSplitLinesRejectsOversizedMessage(t *testing.T) {
	t.Parallel()

	big := append(bytes.Repeat([]byte{'x'}, MaxMessageSize+1), '\n')
	_, _, err := SplitLines(nil, big)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestSplitLinesRejectsBufferOverflow(t *testing.T) {
	t.Parallel()

	// No newline at all, growing past the line buffer cap.
	_, _, err := SplitLines(nil, bytes.Repeat([]byte{'x'}, MaxLineBuffer+1))
	assert.ErrorIs(t, err, ErrLineBufferOverflow)
}

func TestSplitLinesDeliversMessagesBeforeOverflowError(t *testing.T) {
	t.Parallel()

	chunk := append([]byte("{\"ok\":true}\n"), bytes.Repeat([]byte{'y'}, MaxMessageSize+2)...)
	chunk = append(chunk, '\n')
	msgs, _, err := SplitLines(nil, chunk)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"ok":true}`, string(msgs[0]))
}
