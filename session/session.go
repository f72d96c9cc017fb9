// Package session implements the terminal-session multiplexing layer: a
// registry of pty-backed sessions per owner workspace, a headless screen
// mirror per session, heuristic running/idle classification, and best-effort
// persistence of live sessions across process restarts.
package session

import (
	"sync"
	"time"

	"termmux/session/mirror"
)

// RuntimeKind describes where an owner's working context lives.
type RuntimeKind string

const (
	RuntimeLocal     RuntimeKind = "local"
	RuntimeSSH       RuntimeKind = "ssh"
	RuntimeContainer RuntimeKind = "container"
)

// WorkContext is the resolved working context for an owner workspace.
type WorkContext struct {
	// Dir is the working directory inside the runtime.
	Dir string
	// Kind selects how processes and native terminals reach the directory.
	Kind RuntimeKind
	// Host is the ssh destination for RuntimeSSH.
	Host string
	// Container is the container name or id for RuntimeContainer.
	Container string
	// Env holds plain environment variables.
	Env map[string]string
	// Secrets holds sensitive variables injected at spawn but never persisted.
	Secrets map[string]string
}

// LaunchProfile describes the program a session runs instead of the default
// shell. Profiles survive persistence so a restored session runs the same
// program.
type LaunchProfile struct {
	ID      string            `json:"id"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// SpawnParams is what the process provider needs to start a backing process.
type SpawnParams struct {
	OwnerID string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Cols    int
	Rows    int
}

// ProcessHandle controls one spawned backing process.
type ProcessHandle interface {
	Resize(cols, rows int) error
	Write(data []byte) error
	Close() error
}

// ProcessProvider forks and pipes the underlying shell processes. The
// callbacks may fire from arbitrary goroutines, including before Spawn's
// caller has seen the returned handle.
type ProcessProvider interface {
	Spawn(params SpawnParams, onData func([]byte), onExit func()) (ProcessHandle, error)
	ListByOwner(ownerID string) []string
}

// WorkspaceResolver resolves owner metadata: working directory, runtime kind,
// environment and secrets.
type WorkspaceResolver interface {
	Resolve(ownerID string) (WorkContext, error)
}

// LifecycleNotifier passively receives session lifecycle events. All calls
// are fire-and-forget; a slow or failing consumer must not affect the
// registry.
type LifecycleNotifier interface {
	SessionCreated(ownerID, sessionID string)
	SessionExited(ownerID, sessionID string)
	SessionArchived(ownerID, sessionID string)
	// ReconcileRestored reports which of an owner's persisted sessions came
	// back alive after a restore, so stale records can be cleaned up.
	ReconcileRestored(ownerID string, liveIDs []string)
}

// NoopNotifier is a LifecycleNotifier that ignores every event.
type NoopNotifier struct{}

func (NoopNotifier) SessionCreated(string, string)      {}
func (NoopNotifier) SessionExited(string, string)       {}
func (NoopNotifier) SessionArchived(string, string)     {}
func (NoopNotifier) ReconcileRestored(string, []string) {}

// Session is one live pty-backed session. All per-session state lives in this
// single record; dropping it from the registry tears everything down.
type Session struct {
	ID      string
	OwnerID string
	Profile *LaunchProfile

	mu   sync.Mutex
	cols int
	rows int

	mirror *mirror.Mirror
	handle ProcessHandle

	outputSubs map[int]func([]byte)
	exitSubs   map[int]func()
	nextSubID  int

	// signalDriven is set the first time any qualifying control signal is
	// observed. It never reverts, and permanently suppresses the idle
	// fallback timer.
	signalDriven bool
	fallback     *time.Timer

	scanner controlScanner
	closed  bool
}

// SessionSummary is the read-only projection returned by
// ListSessionsForOwner for reconnect flows.
type SessionSummary struct {
	ID        string `json:"id"`
	ProfileID string `json:"profileId,omitempty"`
}

// Size returns the session's current terminal dimensions.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Mirror returns the session's headless screen mirror.
func (s *Session) Mirror() *mirror.Mirror {
	return s.mirror
}

// SignalDriven reports whether a qualifying control signal has ever been
// observed for this session.
func (s *Session) SignalDriven() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signalDriven
}

// subscribeOutput registers an output callback and returns its key.
func (s *Session) subscribeOutput(fn func([]byte)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	if s.outputSubs == nil {
		s.outputSubs = make(map[int]func([]byte))
	}
	s.outputSubs[s.nextSubID] = fn
	return s.nextSubID
}

// subscribeExit registers an exit callback and returns its key.
func (s *Session) subscribeExit(fn func()) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	if s.exitSubs == nil {
		s.exitSubs = make(map[int]func())
	}
	s.exitSubs[s.nextSubID] = fn
	return s.nextSubID
}

func (s *Session) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outputSubs, id)
	delete(s.exitSubs, id)
}

// publishOutput delivers a chunk to all output subscribers. The subscriber
// list is snapshotted so callbacks run without holding the session lock.
func (s *Session) publishOutput(data []byte) {
	s.mu.Lock()
	subs := make([]func([]byte), 0, len(s.outputSubs))
	for _, fn := range s.outputSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(data)
	}
}

// publishExit delivers the exit event to all exit subscribers.
func (s *Session) publishExit() {
	s.mu.Lock()
	subs := make([]func(), 0, len(s.exitSubs))
	for _, fn := range s.exitSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

// cancelFallback stops the idle fallback timer if armed. Must run before the
// mirror is disposed so a late timer callback never touches a dead mirror.
func (s *Session) cancelFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback != nil {
		s.fallback.Stop()
		s.fallback = nil
	}
}

// profileID returns the session's profile id, or "" without a profile.
func (s *Session) profileID() string {
	if s.Profile == nil {
		return ""
	}
	return s.Profile.ID
}
