package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTitleLooksIdle(t *testing.T) {
	tests := []struct {
		title string
		idle  bool
	}{
		{"bash", true},
		{"zsh", true},
		{"fish", true},
		{"Bash", true},
		{"~", true},
		{"~/projects/demo", true},
		{"/var/log", true},
		{"user@host:~$ ", true},
		{"user@host:~/src/app", true},
		{"deploy@web-01:/srv $", true},
		{"zsh %", true},
		{"", true},
		{"vim main.go", false},
		{"npm run build", false},
		{"make -j8", false},
		{"cargo build --release", false},
		{"ssh somewhere", false},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			require.Equal(t, tt.idle, titleLooksIdle(tt.title))
		})
	}
}

func TestScannerExtractsTitleSignals(t *testing.T) {
	var sc controlScanner

	signals := sc.scan([]byte("some output \x1b]0;user@host:~$ \x07 more output"))
	require.Len(t, signals, 1)
	require.False(t, signals[0].running)

	signals = sc.scan([]byte("\x1b]2;make -j8\x1b\\"))
	require.Len(t, signals, 1)
	require.True(t, signals[0].running)
}

func TestScannerExtractsPromptMarkers(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		running bool
	}{
		{"prompt start", "\x1b]133;A\x07", false},
		{"command output start", "\x1b]133;C\x07", true},
		{"command finished", "\x1b]133;D;0\x07", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sc controlScanner
			signals := sc.scan([]byte(tt.payload))
			require.Len(t, signals, 1)
			require.Equal(t, tt.running, signals[0].running)
		})
	}
}

func TestScannerIgnoresIrrelevantSequences(t *testing.T) {
	var sc controlScanner

	require.Empty(t, sc.scan([]byte("plain output, no sequences")))
	require.Empty(t, sc.scan([]byte("\x1b]133;B\x07")))
	require.Empty(t, sc.scan([]byte("\x1b]8;;https://example.com\x07link\x1b]8;;\x07")))
	require.Empty(t, sc.scan([]byte("\x1b]133\x07")))
}

func TestScannerHandlesChunkSplitSequences(t *testing.T) {
	var sc controlScanner

	// A title sequence split across three chunks must still classify.
	require.Empty(t, sc.scan([]byte("output\x1b]0;user@ho")))
	require.Empty(t, sc.scan([]byte("st:~$ ")))
	signals := sc.scan([]byte("\x07"))
	require.Len(t, signals, 1)
	require.False(t, signals[0].running)
}

func TestScannerMultipleSignalsInOneChunk(t *testing.T) {
	var sc controlScanner

	chunk := append(oscPrompt("C"), oscPrompt("D;0")...)
	signals := sc.scan(chunk)
	require.Len(t, signals, 2)
	require.True(t, signals[0].running)
	require.False(t, signals[1].running)
}

func TestHasLineTerminator(t *testing.T) {
	require.True(t, hasLineTerminator([]byte("ls\n")))
	require.True(t, hasLineTerminator([]byte("ls\r")))
	require.False(t, hasLineTerminator([]byte("ls")))
	require.False(t, hasLineTerminator(nil))
}
