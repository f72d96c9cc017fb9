package mirror

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteUpdatesScreen(t *testing.T) {
	m := New(80, 24)

	_, err := m.Write([]byte("$ echo hi\r\nhi"))
	require.NoError(t, err)

	rows := m.Content()
	require.Equal(t, "$ echo hi", rows[0])
	require.Equal(t, "hi", rows[1])
}

func TestSerializeRoundTrip(t *testing.T) {
	m := New(80, 24)
	_, err := m.Write([]byte("$ make test\r\nok   package/one\r\nok   package/two"))
	require.NoError(t, err)

	snapshot := m.Serialize()
	require.True(t, strings.HasPrefix(snapshot, "\x1b[2J\x1b[H"))

	// Replaying the snapshot into an empty emulator of the same size
	// reproduces the screen.
	replay := New(80, 24)
	_, err = replay.Write([]byte(snapshot))
	require.NoError(t, err)
	require.Equal(t, m.Content(), replay.Content())
}

func TestSerializePreservesAttributes(t *testing.T) {
	m := New(80, 24)
	_, err := m.Write([]byte("\x1b[1mbold\x1b[0m plain"))
	require.NoError(t, err)

	snapshot := m.Serialize()
	require.Contains(t, snapshot, "\x1b[0;1m")
	require.Contains(t, snapshot, "bold")
	require.Contains(t, snapshot, "plain")
}

func TestSerializeBoundedByScreenNotHistory(t *testing.T) {
	m := New(80, 24)

	// Far more output than fits on screen; the snapshot only carries the
	// final grid.
	for i := 0; i < 500; i++ {
		_, err := m.Write([]byte("line of scrollback output\r\n"))
		require.NoError(t, err)
	}

	snapshot := m.Serialize()
	require.Less(t, len(snapshot), 80*24*8)
}

func TestSerializeEndsWithCursorPosition(t *testing.T) {
	m := New(80, 24)
	_, err := m.Write([]byte("hello"))
	require.NoError(t, err)

	snapshot := m.Serialize()
	require.True(t, strings.HasSuffix(snapshot, "\x1b[1;6H"))
}

func TestHyperlinkSequencesStripped(t *testing.T) {
	m := New(80, 24)
	_, err := m.Write([]byte("see \x1b]8;;https://example.com\x1b\\the docs\x1b]8;;\x1b\\ here"))
	require.NoError(t, err)

	require.Equal(t, "see the docs here", m.Content()[0])
}

func TestPrimaryDeviceAttributesAnswered(t *testing.T) {
	m := New(80, 24)
	var replies bytes.Buffer
	m.SetReplyWriter(&replies)

	_, err := m.Write([]byte("\x1b[c"))
	require.NoError(t, err)

	reply := replies.String()
	require.True(t, strings.HasPrefix(reply, "\x1b["))
	require.True(t, strings.HasSuffix(reply, "c"))
	require.Contains(t, reply, "62")
}

func TestSecondaryDeviceAttributesAnswered(t *testing.T) {
	m := New(80, 24)
	var replies bytes.Buffer
	m.SetReplyWriter(&replies)

	_, err := m.Write([]byte("\x1b[>c"))
	require.NoError(t, err)

	reply := replies.String()
	require.True(t, strings.HasPrefix(reply, "\x1b["))
	require.True(t, strings.HasSuffix(reply, "c"))
}

func TestStatusReportAnswered(t *testing.T) {
	m := New(80, 24)
	var replies bytes.Buffer
	m.SetReplyWriter(&replies)

	_, err := m.Write([]byte("\x1b[5n"))
	require.NoError(t, err)
	require.Equal(t, "\x1b[0n", replies.String())
}

func TestCursorPositionReportAnswered(t *testing.T) {
	m := New(80, 24)
	var replies bytes.Buffer
	m.SetReplyWriter(&replies)

	_, err := m.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = m.Write([]byte("\x1b[6n"))
	require.NoError(t, err)

	require.Equal(t, "\x1b[1;6R", replies.String())
}

func TestProbeSplitAcrossChunks(t *testing.T) {
	m := New(80, 24)
	var replies bytes.Buffer
	m.SetReplyWriter(&replies)

	_, err := m.Write([]byte("\x1b"))
	require.NoError(t, err)
	require.Empty(t, replies.String())

	_, err = m.Write([]byte("[5n"))
	require.NoError(t, err)
	require.Equal(t, "\x1b[0n", replies.String())
}

func TestNoReplyWriterIsSafe(t *testing.T) {
	m := New(80, 24)
	_, err := m.Write([]byte("\x1b[c\x1b[6n"))
	require.NoError(t, err)
}

func TestResize(t *testing.T) {
	m := New(80, 24)
	m.Resize(120, 40)

	cols, rows := m.Size()
	require.Equal(t, 120, cols)
	require.Equal(t, 40, rows)

	// Nonsense dimensions are ignored.
	m.Resize(0, -1)
	cols, rows = m.Size()
	require.Equal(t, 120, cols)
	require.Equal(t, 40, rows)
}

func TestNewFallsBackToDefaultSize(t *testing.T) {
	m := New(0, 0)
	cols, rows := m.Size()
	require.Equal(t, DefaultCols, cols)
	require.Equal(t, DefaultRows, rows)
}

func TestDispose(t *testing.T) {
	m := New(80, 24)
	_, err := m.Write([]byte("before"))
	require.NoError(t, err)

	m.Dispose()

	_, err = m.Write([]byte("after"))
	require.NoError(t, err)
	require.Empty(t, m.Serialize())
	require.Empty(t, m.Content()[0])
}
