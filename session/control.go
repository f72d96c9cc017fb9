package session

import (
	"bytes"
	"regexp"
	"strings"
)

// controlSignal is one qualifying control-sequence observation extracted from
// a session's output stream.
type controlSignal struct {
	// running is the classification the signal implies.
	running bool
}

// oscRegex matches complete OSC sequences: ESC ] payload (BEL | ESC \).
var oscRegex = regexp.MustCompile(`\x1b\]([^\x1b\x07]*)(?:\x07|\x1b\\)`)

// oscPartialRegex matches an OSC sequence whose terminator has not arrived
// yet, anchored to the end of the buffer. A trailing lone ESC is also carried
// in case the next chunk starts with "]".
var oscPartialRegex = regexp.MustCompile(`(\x1b\][^\x1b\x07]*\x1b?|\x1b)$`)

// promptTitleRegex matches user@host:path shaped titles that shells commonly
// install while sitting at a prompt.
var promptTitleRegex = regexp.MustCompile(`^[\w.\-]+@[\w.\-]+\s*:`)

// shellNames are bare program names whose appearance as a title means the
// shell itself is foreground, i.e. the session is idle.
var shellNames = map[string]struct{}{
	"bash": {}, "zsh": {}, "fish": {}, "sh": {}, "dash": {}, "ksh": {},
	"tcsh": {}, "csh": {}, "nu": {}, "pwsh": {}, "powershell": {}, "cmd": {},
}

// controlScanner incrementally extracts activity-relevant control sequences
// from a session's output. Chunks may split a sequence at any byte, so an
// unterminated trailing sequence is carried into the next call. Parsing never
// fails; malformed sequences simply yield no signals.
type controlScanner struct {
	carry []byte
}

// maxCarry bounds the carried partial sequence. A title longer than this is
// not worth classifying.
const maxCarry = 4096

// scan consumes one output chunk and returns the signals found, in order.
func (c *controlScanner) scan(chunk []byte) []controlSignal {
	buf := chunk
	if len(c.carry) > 0 {
		buf = append(append([]byte{}, c.carry...), chunk...)
		c.carry = nil
	}

	var signals []controlSignal
	for _, seq := range oscRegex.FindAllSubmatch(buf, -1) {
		if sig, ok := classifyOSC(string(seq[1])); ok {
			signals = append(signals, sig)
		}
	}

	if tail := oscPartialRegex.Find(buf); tail != nil && len(tail) <= maxCarry {
		c.carry = append([]byte{}, tail...)
	}
	return signals
}

// classifyOSC interprets one OSC payload. Semantic-prompt markers (OSC 133)
// are authoritative; title sequences (OSC 0/1/2) are classified by shape;
// everything else is ignored.
func classifyOSC(payload string) (controlSignal, bool) {
	num, rest, ok := strings.Cut(payload, ";")
	if !ok {
		return controlSignal{}, false
	}

	switch num {
	case "133":
		// FinalTerm semantic prompt markers: A = prompt start, B = command
		// input start, C = command output start, D = command finished.
		marker, _, _ := strings.Cut(rest, ";")
		switch marker {
		case "A", "D":
			return controlSignal{running: false}, true
		case "C":
			return controlSignal{running: true}, true
		}
		return controlSignal{}, false
	case "0", "1", "2":
		return controlSignal{running: !titleLooksIdle(rest)}, true
	}
	return controlSignal{}, false
}

// titleLooksIdle reports whether a terminal title looks like an idle shell
// prompt: a bare shell name, a filesystem path, or a user@host:path prompt.
// This is best-effort pattern matching; exotic prompt titles can be
// misclassified as running.
func titleLooksIdle(title string) bool {
	t := strings.TrimSpace(title)
	if t == "" {
		return true
	}

	// Strip one trailing prompt sigil so "user@host:~$" and "zsh %" match.
	for _, sigil := range []string{"$", "#", "%", "❯", "➜", ">"} {
		if strings.HasSuffix(t, sigil) {
			t = strings.TrimSpace(strings.TrimSuffix(t, sigil))
			break
		}
	}
	if t == "" {
		return true
	}

	if _, ok := shellNames[strings.ToLower(t)]; ok {
		return true
	}
	if strings.HasPrefix(t, "/") || strings.HasPrefix(t, "~") {
		return true
	}
	return promptTitleRegex.MatchString(t)
}

// hasLineTerminator reports whether submitted input contains a line
// terminator, i.e. the user likely just launched a command.
func hasLineTerminator(data []byte) bool {
	return bytes.ContainsAny(data, "\r\n")
}
