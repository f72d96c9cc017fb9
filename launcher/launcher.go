// Package launcher opens a native OS terminal emulator pointed at a
// session's working context: a local directory, a remote host reachable over
// ssh, or a container. It walks an ordered candidate list and uses the first
// emulator present on the system. Everything here is best effort; a failure
// only degrades a convenience feature.
package launcher

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"termmux/log"
)

// Kind mirrors the runtime kind of a working context.
type Kind string

const (
	KindLocal     Kind = "local"
	KindSSH       Kind = "ssh"
	KindContainer Kind = "container"
)

// Target describes where the opened terminal should land.
type Target struct {
	Kind      Kind
	Dir       string
	Host      string
	Container string
}

// candidate is one terminal emulator and how to invoke it with a shell
// command. The first available candidate wins.
type candidate struct {
	program string
	args    func(command string) []string
}

// defaultCandidates returns the platform's ordered emulator list, optionally
// reordered to try configured program names first.
func defaultCandidates() []candidate {
	execArgs := func(flag string) func(string) []string {
		return func(command string) []string {
			return []string{flag, "sh", "-c", command}
		}
	}

	switch runtime.GOOS {
	case "darwin":
		return []candidate{
			{"osascript", func(command string) []string {
				return []string{"-e", fmt.Sprintf(`tell application "Terminal" to do script %q`, command),
					"-e", `tell application "Terminal" to activate`}
			}},
		}
	case "windows":
		return []candidate{
			{"wt.exe", func(command string) []string {
				return []string{"cmd", "/c", command}
			}},
			{"cmd.exe", func(command string) []string {
				return []string{"/c", "start", "cmd", "/k", command}
			}},
		}
	default:
		return []candidate{
			{"x-terminal-emulator", execArgs("-e")},
			{"gnome-terminal", func(command string) []string {
				return []string{"--", "sh", "-c", command}
			}},
			{"konsole", execArgs("-e")},
			{"kitty", execArgs("-e")},
			{"alacritty", execArgs("-e")},
			{"xterm", execArgs("-e")},
		}
	}
}

// orderCandidates applies a configured preference list on top of the
// platform defaults. Unknown names are probed with a generic "-e" shape.
func orderCandidates(preferred []string) []candidate {
	defaults := defaultCandidates()
	if len(preferred) == 0 {
		return defaults
	}

	byName := make(map[string]candidate, len(defaults))
	for _, c := range defaults {
		byName[c.program] = c
	}

	var out []candidate
	seen := make(map[string]bool)
	for _, name := range preferred {
		seen[name] = true
		if c, ok := byName[name]; ok {
			out = append(out, c)
			continue
		}
		out = append(out, candidate{name, func(command string) []string {
			return []string{"-e", "sh", "-c", command}
		}})
	}
	for _, c := range defaults {
		if !seen[c.program] {
			out = append(out, c)
		}
	}
	return out
}

// Open opens a native terminal landing in the target's directory, wrapping
// the shell invocation for remote and containerized targets.
func Open(target Target, preferred []string) error {
	command, err := shellCommand(target)
	if err != nil {
		return err
	}
	return OpenCommand(command, "", preferred)
}

// OpenCommand opens a native terminal running an arbitrary shell command.
func OpenCommand(command, cwd string, preferred []string) error {
	for _, c := range orderCandidates(preferred) {
		path, err := exec.LookPath(c.program)
		if err != nil {
			continue
		}

		cmd := exec.Command(path, c.args(command)...)
		if cwd != "" {
			cmd.Dir = cwd
		}
		if err := cmd.Start(); err != nil {
			log.WarningLog.Printf("terminal emulator %s failed to start: %v", c.program, err)
			continue
		}
		// Detach; the emulator owns its own lifetime now.
		go func() { _ = cmd.Wait() }()
		log.InfoLog.Printf("opened native terminal via %s", c.program)
		return nil
	}
	return fmt.Errorf("no terminal emulator available")
}

// Detect returns the candidate emulators present on this system, in probe
// order. Used by the doctor command.
func Detect(preferred []string) []string {
	var out []string
	for _, c := range orderCandidates(preferred) {
		if _, err := exec.LookPath(c.program); err == nil {
			out = append(out, c.program)
		}
	}
	return out
}

// shellCommand builds the interactive command for a target.
func shellCommand(target Target) (string, error) {
	dir := target.Dir
	if dir == "" {
		dir = "."
	}

	switch target.Kind {
	case KindSSH:
		if target.Host == "" {
			return "", fmt.Errorf("ssh target requires a host")
		}
		remote := fmt.Sprintf("cd %s && exec \"$SHELL\" -l", shellEscape(dir))
		return fmt.Sprintf("ssh -t %s %s", shellEscape(target.Host), shellEscape(remote)), nil
	case KindContainer:
		if target.Container == "" {
			return "", fmt.Errorf("container target requires a container name")
		}
		return fmt.Sprintf("docker exec -it -w %s %s sh", shellEscape(dir), shellEscape(target.Container)), nil
	case KindLocal, "":
		return fmt.Sprintf("cd %s && exec \"$SHELL\" -l", shellEscape(dir)), nil
	default:
		return "", fmt.Errorf("unknown target kind: %s", target.Kind)
	}
}

// shellEscape single-quotes a value for safe interpolation into a shell
// command line.
func shellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
