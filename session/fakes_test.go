package session

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"termmux/config"
)

// fakeHandle records everything the registry does to a backing process.
type fakeHandle struct {
	mu     sync.Mutex
	input  bytes.Buffer
	cols   int
	rows   int
	closed bool
}

func (h *fakeHandle) Resize(cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("process is closed")
	}
	h.cols, h.rows = cols, rows
	return nil
}

func (h *fakeHandle) Write(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("process is closed")
	}
	h.input.Write(data)
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) inputString() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.input.String()
}

// fakeProc is one spawned fake process with its callbacks.
type fakeProc struct {
	params SpawnParams
	handle *fakeHandle
	onData func([]byte)
	onExit func()
}

// fakeProvider spawns fake processes. preBind chunks are delivered through
// onData synchronously inside Spawn, before the caller has registered the
// session, to exercise the output-before-identifier buffer.
type fakeProvider struct {
	mu       sync.Mutex
	spawned  []*fakeProc
	preBind  [][]byte
	spawnErr error
}

func (p *fakeProvider) Spawn(params SpawnParams, onData func([]byte), onExit func()) (ProcessHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.spawnErr != nil {
		err := p.spawnErr
		p.spawnErr = nil
		return nil, err
	}

	proc := &fakeProc{
		params: params,
		handle: &fakeHandle{cols: params.Cols, rows: params.Rows},
		onData: onData,
		onExit: onExit,
	}
	p.spawned = append(p.spawned, proc)

	for _, chunk := range p.preBind {
		onData(chunk)
	}
	p.preBind = nil

	return proc.handle, nil
}

func (p *fakeProvider) ListByOwner(ownerID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, proc := range p.spawned {
		if proc.params.OwnerID == ownerID && !proc.handle.closed {
			out = append(out, proc.params.Command)
		}
	}
	return out
}

func (p *fakeProvider) last() *fakeProc {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.spawned) == 0 {
		return nil
	}
	return p.spawned[len(p.spawned)-1]
}

// fakeResolver resolves every owner to the same local context.
type fakeResolver struct {
	err     error
	env     map[string]string
	secrets map[string]string
}

func (r fakeResolver) Resolve(ownerID string) (WorkContext, error) {
	if r.err != nil {
		return WorkContext{}, r.err
	}
	return WorkContext{
		Dir:     "/tmp/" + ownerID,
		Kind:    RuntimeLocal,
		Env:     r.env,
		Secrets: r.secrets,
	}, nil
}

// recordingNotifier counts lifecycle events.
type recordingNotifier struct {
	mu        sync.Mutex
	created   []string
	exited    []string
	archived  []string
	reconcile map[string][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{reconcile: make(map[string][]string)}
}

func (n *recordingNotifier) SessionCreated(ownerID, sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, sessionID)
}

func (n *recordingNotifier) SessionExited(ownerID, sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exited = append(n.exited, sessionID)
}

func (n *recordingNotifier) SessionArchived(ownerID, sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.archived = append(n.archived, sessionID)
}

func (n *recordingNotifier) ReconcileRestored(ownerID string, liveIDs []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reconcile[ownerID] = liveIDs
}

func (n *recordingNotifier) archivedIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.archived...)
}

func (n *recordingNotifier) exitedIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string{}, n.exited...)
}

func (n *recordingNotifier) reconciled(ownerID string) ([]string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids, ok := n.reconcile[ownerID]
	return ids, ok
}

// newTestManager wires a manager to fakes with bundles in a temp directory
// and a short fallback timeout.
func newTestManager(t *testing.T) (*Manager, *fakeProvider, *recordingNotifier) {
	t.Helper()
	return newTestManagerAt(t, t.TempDir(), &fakeProvider{}, fakeResolver{})
}

// newTestConfig is the default config with a fallback timeout short enough
// for tests to wait out.
func newTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.IdleFallbackMs = 50
	return cfg
}

// newTestManagerAt wires a manager against an explicit bundle directory so
// persistence tests can hand the same directory to a second manager.
func newTestManagerAt(t *testing.T, dir string, provider *fakeProvider, resolver fakeResolver) (*Manager, *fakeProvider, *recordingNotifier) {
	t.Helper()

	cfg := newTestConfig()

	store, err := NewBundleStoreAt(dir)
	if err != nil {
		t.Fatalf("failed to create bundle store: %v", err)
	}
	notifier := newRecordingNotifier()
	mgr, err := NewManagerWithStore(cfg, provider, resolver, notifier, store)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return mgr, provider, notifier
}

// oscTitle builds a title control sequence.
func oscTitle(title string) []byte {
	return []byte(fmt.Sprintf("\x1b]0;%s\x07", title))
}

// oscPrompt builds a semantic prompt marker sequence.
func oscPrompt(marker string) []byte {
	return []byte(fmt.Sprintf("\x1b]133;%s\x07", marker))
}
