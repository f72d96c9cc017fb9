// Package mirror maintains a headless terminal-emulation instance per
// session. The mirror is fed every output chunk so its cell grid stays
// authoritative, and it can serialize the current screen into a compact
// escape-sequence snapshot that a reconnecting client replays instead of the
// full output history.
package mirror

import (
	"fmt"
	"image/color"
	"io"
	"regexp"
	"strings"
	"sync"

	"termmux/log"

	"github.com/charmbracelet/x/ansi"
	"github.com/tonistiigi/vt100"
)

const (
	DefaultCols = 80
	DefaultRows = 24
)

// oscHyperlinkRegex matches OSC 8 hyperlink sequences that vt100 doesn't
// handle. Format: ESC ] 8 ; params ; URI ST (where ST is ESC \ or BEL).
var oscHyperlinkRegex = regexp.MustCompile(`\x1b\]8;[^;]*;[^\x1b\x07]*(?:\x1b\\|\x07)`)

// deviceQueryRegex matches terminal device-capability probes: primary and
// secondary device attributes (CSI c / CSI > c) and device status reports
// (CSI 5 n, CSI 6 n).
var deviceQueryRegex = regexp.MustCompile(`\x1b\[(>?)(\d*)([cn])`)

// partialEscapeRegex matches an escape sequence prefix cut off at the end of
// a chunk, so probes split across reads are still answered.
var partialEscapeRegex = regexp.MustCompile(`\x1b(\[(>?)\d*)?$`)

// Mirror wraps a VT100 terminal emulator with no display surface. It tracks
// parsed screen state for one session and answers device probes on behalf of
// the (possibly detached) display.
type Mirror struct {
	mu sync.Mutex

	vt   *vt100.VT100
	cols int
	rows int

	// replyTo receives synthesized replies to device-capability probes.
	// Normally the backing process's input stream.
	replyTo io.Writer

	// carry holds a trailing partial escape sequence from the previous chunk.
	carry []byte

	disposed bool
}

// New creates a mirror with the given dimensions. Non-positive dimensions
// fall back to 80x24.
func New(cols, rows int) *Mirror {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return &Mirror{
		vt:   vt100.NewVT100(rows, cols),
		cols: cols,
		rows: rows,
	}
}

// SetReplyWriter sets the destination for synthesized device-probe replies.
// An interactive program may block waiting for a DA or DSR response even when
// no live display is attached, so the mirror answers in its stead.
func (m *Mirror) SetReplyWriter(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replyTo = w
}

// Write feeds an output chunk to the emulator and answers any device probes
// found in it. Safe to call from multiple goroutines. Writes after Dispose
// are dropped. Sequences the emulator does not understand are tolerated; real
// program output routinely contains them and must not poison the mirror.
func (m *Mirror) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return len(p), nil
	}

	cleaned := oscHyperlinkRegex.ReplaceAll(p, nil)
	if _, err := m.vt.Write(cleaned); err != nil {
		log.DebugLog.Printf("vt100 parse: %v", err)
	}

	m.answerProbes(p)

	// Report the original length so callers never see a short write.
	return len(p), nil
}

// answerProbes scans a chunk (joined with any carried partial sequence) for
// device-capability queries and writes replies. Must be called with mu held.
func (m *Mirror) answerProbes(p []byte) {
	buf := p
	if len(m.carry) > 0 {
		buf = append(append([]byte{}, m.carry...), p...)
		m.carry = nil
	}

	if m.replyTo != nil {
		for _, q := range deviceQueryRegex.FindAllSubmatch(buf, -1) {
			if reply := m.probeReply(string(q[1]), string(q[2]), string(q[3])); reply != "" {
				_, _ = io.WriteString(m.replyTo, reply)
			}
		}
	}

	if tail := partialEscapeRegex.Find(buf); tail != nil {
		m.carry = append([]byte{}, tail...)
	}
}

// probeReply builds the response for one device query. Unknown probes get no
// reply.
func (m *Mirror) probeReply(prefix, param, final string) string {
	switch {
	case final == "c" && prefix == "" && (param == "" || param == "0"):
		// Primary Device Attributes: report VT220 with 132 columns,
		// selective erase and ANSI color.
		return ansi.PrimaryDeviceAttributes(62, 1, 6, 22)
	case final == "c" && prefix == ">" && (param == "" || param == "0"):
		return ansi.SecondaryDeviceAttributes(1, 10, 0)
	case final == "n" && param == "5":
		// Operating status: always ready.
		return "\x1b[0n"
	case final == "n" && param == "6":
		return ansi.CursorPositionReport(m.vt.Cursor.Y+1, m.vt.Cursor.X+1)
	}
	return ""
}

// Resize changes the emulator dimensions.
func (m *Mirror) Resize(cols, rows int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed || (cols == m.cols && rows == m.rows) || cols <= 0 || rows <= 0 {
		return
	}
	m.vt.Resize(rows, cols)
	m.cols = cols
	m.rows = rows
}

// Size returns the current dimensions.
func (m *Mirror) Size() (cols, rows int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cols, m.rows
}

// Serialize reconstructs the current screen as an escape-sequence string.
// Replaying the result into an empty terminal of the same size reproduces
// the cell grid, colors and cursor position. The output is bounded by the
// screen dimensions, never by the output history.
func (m *Mirror) Serialize() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return ""
	}

	var sb strings.Builder
	sb.Grow(m.cols * m.rows * 2)
	sb.WriteString("\x1b[2J\x1b[H")

	var prevFormat vt100.Format
	firstCell := true

	for y := 0; y < m.rows; y++ {
		if y > 0 {
			sb.WriteString("\r\n")
		}

		// Find the last non-blank cell so trailing run-off is not emitted.
		lastUsed := -1
		for x := m.cols - 1; x >= 0; x-- {
			if m.vt.Content[y][x] != ' ' && m.vt.Content[y][x] != 0 {
				lastUsed = x
				break
			}
		}

		for x := 0; x <= lastUsed; x++ {
			format := m.vt.Format[y][x]
			if firstCell || format != prevFormat {
				sb.WriteString(formatToANSI(format))
				prevFormat = format
				firstCell = false
			}

			char := m.vt.Content[y][x]
			if char == 0 {
				char = ' '
			}
			sb.WriteRune(char)
		}
	}

	sb.WriteString("\x1b[0m")
	fmt.Fprintf(&sb, "\x1b[%d;%dH", m.vt.Cursor.Y+1, m.vt.Cursor.X+1)
	return sb.String()
}

// Content returns the screen as plain text rows with trailing blanks
// trimmed. Used by tests and the activity heuristics, not for reconnect.
func (m *Mirror) Content() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]string, m.rows)
	if m.disposed {
		return rows
	}
	for y := 0; y < m.rows; y++ {
		var sb strings.Builder
		for x := 0; x < m.cols; x++ {
			char := m.vt.Content[y][x]
			if char == 0 {
				char = ' '
			}
			sb.WriteRune(char)
		}
		rows[y] = strings.TrimRight(sb.String(), " ")
	}
	return rows
}

// Dispose releases the emulator. Further writes are dropped; Serialize
// returns an empty string.
func (m *Mirror) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = true
	m.replyTo = nil
}

// formatToANSI converts a vt100 cell format to an SGR sequence.
func formatToANSI(f vt100.Format) string {
	codes := []string{"0"}

	switch f.Intensity {
	case vt100.Bright:
		codes = append(codes, "1")
	case vt100.Dim:
		codes = append(codes, "2")
	}
	if f.Underscore {
		codes = append(codes, "4")
	}
	if f.Blink {
		codes = append(codes, "5")
	}
	if f.Inverse {
		codes = append(codes, "7")
	}
	if f.Conceal {
		codes = append(codes, "8")
	}
	if fg := colorToANSI(f.Fg, true); fg != "" {
		codes = append(codes, fg)
	}
	if bg := colorToANSI(f.Bg, false); bg != "" {
		codes = append(codes, bg)
	}

	return "\x1b[" + strings.Join(codes, ";") + "m"
}

// colorToANSI converts a cell color to a 24-bit SGR fragment. The zero value
// means "default color" and produces nothing.
func colorToANSI(c color.RGBA, foreground bool) string {
	if c.R == 0 && c.G == 0 && c.B == 0 && c.A == 0 {
		return ""
	}
	if foreground {
		return fmt.Sprintf("38;2;%d;%d;%d", c.R, c.G, c.B)
	}
	return fmt.Sprintf("48;2;%d;%d;%d", c.R, c.G, c.B)
}
