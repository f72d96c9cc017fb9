package session

import (
	"fmt"
	"sync"
	"time"

	"termmux/config"
	"termmux/launcher"
	"termmux/log"
	"termmux/session/mirror"

	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
)

// CreateOptions are the caller-supplied parameters for a new session.
type CreateOptions struct {
	OwnerID string
	// Profile selects a program other than the owner's default shell.
	Profile *LaunchProfile
	// Cols and Rows default to the configured dimensions when zero.
	Cols int
	Rows int
}

// createRequest extends CreateOptions with restore-only fields.
type createRequest struct {
	CreateOptions
	// reuseID recreates a persisted session under its original identifier.
	reuseID string
	// seedBuffer is replayed into the fresh mirror before any live output so
	// an immediate GetScreenState returns the prior screen.
	seedBuffer string
}

// Manager is the session registry. It owns the canonical record of every
// live session and coordinates the mirror, activity classification and
// persistence around it.
type Manager struct {
	cfg      *config.Config
	provider ProcessProvider
	resolver WorkspaceResolver
	notifier LifecycleNotifier
	store    *BundleStore

	mu               sync.Mutex
	sessions         map[string]*Session
	restoreAttempted map[string]bool

	activity *activityTracker
}

// NewManager creates a session manager with bundles stored under the config
// directory. A nil notifier is replaced with a no-op one.
func NewManager(cfg *config.Config, provider ProcessProvider, resolver WorkspaceResolver, notifier LifecycleNotifier) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	store, err := NewBundleStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init bundle store: %w", err)
	}
	return NewManagerWithStore(cfg, provider, resolver, notifier, store)
}

// NewManagerWithStore creates a session manager with an explicit bundle
// store. Useful for tests and embedders with their own storage location.
func NewManagerWithStore(cfg *config.Config, provider ProcessProvider, resolver WorkspaceResolver, notifier LifecycleNotifier, store *BundleStore) (*Manager, error) {
	if provider == nil {
		return nil, fmt.Errorf("process provider is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("workspace resolver is required")
	}
	if store == nil {
		return nil, fmt.Errorf("bundle store is required")
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	return &Manager{
		cfg:              cfg,
		provider:         provider,
		resolver:         resolver,
		notifier:         notifier,
		store:            store,
		sessions:         make(map[string]*Session),
		restoreAttempted: make(map[string]bool),
		activity:         newActivityTracker(),
	}, nil
}

// pendingOutput buffers output that arrives through the spawn callback
// before the session identifier is bound. Once bound, buffered chunks are
// flushed in order and later chunks are delivered directly. No output is
// dropped or reordered.
type pendingOutput struct {
	mu      sync.Mutex
	bound   bool
	buf     [][]byte
	deliver func([]byte)
}

func (p *pendingOutput) push(data []byte) {
	p.mu.Lock()
	if !p.bound {
		cp := make([]byte, len(data))
		copy(cp, data)
		p.buf = append(p.buf, cp)
		p.mu.Unlock()
		return
	}
	deliver := p.deliver
	p.mu.Unlock()
	deliver(data)
}

// bind flushes the buffer through deliver and switches to direct delivery.
// The flush happens under the lock so chunks racing in during the flush
// cannot overtake buffered ones.
func (p *pendingOutput) bind(deliver func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, chunk := range p.buf {
		deliver(chunk)
	}
	p.buf = nil
	p.deliver = deliver
	p.bound = true
}

// Create resolves the owner's working context, spawns a backing process and
// registers the new session. A spawn failure is returned to the caller;
// nothing is registered in that case.
func (m *Manager) Create(opts CreateOptions) (*Session, error) {
	return m.create(createRequest{CreateOptions: opts})
}

func (m *Manager) create(req createRequest) (*Session, error) {
	wc, err := m.resolver.Resolve(req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace %q: %w", req.OwnerID, err)
	}

	id := req.reuseID
	if id == "" {
		id = uuid.NewString()
	}

	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = m.cfg.DefaultCols
	}
	if rows <= 0 {
		rows = m.cfg.DefaultRows
	}

	params := SpawnParams{
		OwnerID: req.OwnerID,
		Command: m.cfg.DefaultShell,
		Dir:     wc.Dir,
		Env:     spawnEnv(wc, req.Profile),
		Cols:    cols,
		Rows:    rows,
	}
	if req.Profile != nil && req.Profile.Command != "" {
		params.Command = req.Profile.Command
		params.Args = req.Profile.Args
	}

	// The spawn callbacks may fire before the session is registered, so
	// output is buffered until the identifier is bound.
	pending := &pendingOutput{}
	onData := pending.push
	onExit := func() { m.handleExit(id) }

	handle, err := m.provider.Spawn(params, onData, onExit)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn session process: %w", err)
	}

	s := &Session{
		ID:      id,
		OwnerID: req.OwnerID,
		Profile: req.Profile,
		cols:    cols,
		rows:    rows,
		mirror:  mirror.New(cols, rows),
		handle:  handle,
	}
	s.mirror.SetReplyWriter(handleWriter{handle})
	if req.seedBuffer != "" {
		_, _ = s.mirror.Write([]byte(req.seedBuffer))
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		_ = handle.Close()
		return nil, fmt.Errorf("session %s already registered", id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.activity.register(id, req.OwnerID)
	pending.bind(func(data []byte) { m.handleOutput(s, data) })

	go m.notifier.SessionCreated(req.OwnerID, id)
	log.InfoLog.Printf("created session %s for owner %s (%dx%d)", id, req.OwnerID, cols, rows)
	return s, nil
}

// spawnEnv merges workspace env, profile env and secrets for spawning.
// Secrets are injected here but never serialized anywhere.
func spawnEnv(wc WorkContext, profile *LaunchProfile) map[string]string {
	env := make(map[string]string, len(wc.Env)+len(wc.Secrets))
	for k, v := range wc.Env {
		env[k] = v
	}
	if profile != nil {
		for k, v := range profile.Env {
			env[k] = v
		}
	}
	for k, v := range wc.Secrets {
		env[k] = v
	}
	return env
}

// handleWriter adapts a ProcessHandle to io.Writer for device-probe replies.
type handleWriter struct {
	h ProcessHandle
}

func (w handleWriter) Write(p []byte) (int, error) {
	if err := w.h.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// handleOutput is the single path for live output: mirror first (keeping its
// model authoritative), then activity signals, then subscribers.
func (m *Manager) handleOutput(s *Session, data []byte) {
	_, _ = s.mirror.Write(data)

	s.mu.Lock()
	signals := s.scanner.scan(data)
	s.mu.Unlock()
	for _, sig := range signals {
		m.applySignal(s, sig)
	}

	log.DebugLog.Printf("session %s output: %s", s.ID, runewidth.Truncate(string(data), 80, "…"))
	s.publishOutput(data)
}

// applySignal records one qualifying control signal. The first signal marks
// the session signal-driven for the rest of its lifetime and permanently
// cancels the idle fallback timer.
func (m *Manager) applySignal(s *Session, sig controlSignal) {
	s.mu.Lock()
	if !s.signalDriven {
		s.signalDriven = true
		if s.fallback != nil {
			s.fallback.Stop()
			s.fallback = nil
		}
	}
	s.mu.Unlock()

	m.activity.set(s.ID, sig.running)
}

// handleExit tears down a session whose backing process ended on its own.
func (m *Manager) handleExit(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	remaining := m.ownerSessionCountLocked(s.OwnerID)
	m.mu.Unlock()

	m.teardown(s, remaining)
	s.publishExit()
	go m.notifier.SessionExited(s.OwnerID, id)
	log.InfoLog.Printf("session %s exited", id)
}

// Close terminates a session and releases all of its resources. Closing an
// unknown id is an error.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session not found: %s", id)
	}
	delete(m.sessions, id)
	remaining := m.ownerSessionCountLocked(s.OwnerID)
	m.mu.Unlock()

	err := s.handle.Close()
	m.teardown(s, remaining)
	go m.notifier.SessionArchived(s.OwnerID, id)

	if err != nil {
		return fmt.Errorf("failed to close session process: %w", err)
	}
	log.InfoLog.Printf("closed session %s", id)
	return nil
}

// teardown releases per-session state after the session has left the
// registry. The fallback timer is cancelled before the mirror is disposed so
// a late timer callback never touches a disposed mirror. When the owner's
// last live session is gone, any persisted bundle for that owner is deleted
// so closed sessions cannot be resurrected.
func (m *Manager) teardown(s *Session, remainingForOwner int) {
	s.cancelFallback()
	m.activity.remove(s.ID)
	s.mirror.Dispose()

	s.mu.Lock()
	s.closed = true
	s.outputSubs = nil
	s.mu.Unlock()

	if remainingForOwner == 0 {
		if err := m.store.DeleteBundle(s.OwnerID); err != nil {
			log.WarningLog.Printf("failed to delete bundle for owner %s: %v", s.OwnerID, err)
		}
	}
}

// ownerSessionCountLocked counts the owner's live sessions. Callers hold m.mu.
func (m *Manager) ownerSessionCountLocked(ownerID string) int {
	n := 0
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			n++
		}
	}
	return n
}

// Resize forwards new dimensions to the backing process and keeps the mirror
// geometry consistent.
func (m *Manager) Resize(id string, cols, rows int) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}

	if err := s.handle.Resize(cols, rows); err != nil {
		return fmt.Errorf("failed to resize session process: %w", err)
	}
	s.mirror.Resize(cols, rows)

	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return nil
}

// SendInput writes data to the backing process. Input containing a line
// terminator optimistically marks a session without control-signal support
// as running and (re)arms its single-shot idle fallback timer.
func (m *Manager) SendInput(id string, data []byte) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}

	if err := s.handle.Write(data); err != nil {
		return fmt.Errorf("failed to write session input: %w", err)
	}

	if hasLineTerminator(data) {
		m.armFallback(s)
	}
	return nil
}

// armFallback optimistically marks the session running after a submitted
// command. The idle fallback timer is (re)armed only for sessions that have
// never produced a qualifying control signal; signal-driven sessions rely on
// their signals to flip back to idle.
func (m *Manager) armFallback(s *Session) {
	timeout := time.Duration(m.cfg.IdleFallbackMs) * time.Millisecond

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.signalDriven {
		if s.fallback != nil {
			s.fallback.Stop()
		}
		id := s.ID
		s.fallback = time.AfterFunc(timeout, func() { m.fallbackFired(id) })
	}
	s.mu.Unlock()

	m.activity.set(s.ID, true)
}

// fallbackFired forces a session back to idle when no qualifying signal
// arrived within the fallback window.
func (m *Manager) fallbackFired(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.signalDriven {
		s.mu.Unlock()
		return
	}
	s.fallback = nil
	s.mu.Unlock()

	m.activity.set(id, false)
}

// OnOutput subscribes to a session's output. An unknown id yields a no-op
// unsubscribe rather than an error: the session may have closed before a
// late subscriber arrived.
func (m *Manager) OnOutput(id string, fn func([]byte)) (unsubscribe func()) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return func() {}
	}
	subID := s.subscribeOutput(fn)
	return func() { s.unsubscribe(subID) }
}

// OnExit subscribes to a session's exit event. Unknown ids yield a no-op
// unsubscribe.
func (m *Manager) OnExit(id string, fn func()) (unsubscribe func()) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return func() {}
	}
	subID := s.subscribeExit(fn)
	return func() { s.unsubscribe(subID) }
}

// OnActivityChange subscribes to edge-triggered running/idle transitions for
// all sessions.
func (m *Manager) OnActivityChange(fn func(ActivityChange)) (unsubscribe func()) {
	return m.activity.subscribe(fn)
}

// IsRunning reports a session's current classification. Unknown ids read as
// idle.
func (m *Manager) IsRunning(id string) bool {
	return m.activity.isRunning(id)
}

// OwnerActivity returns the owner's aggregate activity.
func (m *Manager) OwnerActivity(ownerID string) OwnerActivity {
	return m.activity.ownerActivity(ownerID)
}

// GetScreenState serializes a session's current screen for reconnect.
// Unknown ids return an empty snapshot; reads are benign.
func (m *Manager) GetScreenState(id string) string {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ""
	}
	return s.mirror.Serialize()
}

// ListSessionsForOwner returns the owner's live sessions. The first listing
// for an owner lazily restores that owner's persisted bundle, if any.
func (m *Manager) ListSessionsForOwner(ownerID string) []SessionSummary {
	m.ensureRestored(ownerID)

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SessionSummary
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			out = append(out, SessionSummary{ID: s.ID, ProfileID: s.profileID()})
		}
	}
	return out
}

// ensureRestored runs the owner's lazy restore at most once per process
// lifetime, even under concurrent listing requests.
func (m *Manager) ensureRestored(ownerID string) {
	m.mu.Lock()
	if m.restoreAttempted[ownerID] {
		m.mu.Unlock()
		return
	}
	m.restoreAttempted[ownerID] = true
	m.mu.Unlock()

	m.restoreOwnerSessions(ownerID)
}

// CloseAllSessions closes every live session, continuing past individual
// failures.
func (m *Manager) CloseAllSessions() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Close(id); err != nil {
			errs = append(errs, err)
		}
	}
	return combineErrors(errs)
}

// OpenNativeTerminal opens a native OS terminal emulator pointed at the
// owner's working context. Best effort; failures never affect live sessions.
func (m *Manager) OpenNativeTerminal(ownerID string) error {
	wc, err := m.resolver.Resolve(ownerID)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace %q: %w", ownerID, err)
	}
	return launcher.Open(launcher.Target{
		Kind:      launcher.Kind(wc.Kind),
		Dir:       wc.Dir,
		Host:      wc.Host,
		Container: wc.Container,
	}, m.cfg.TerminalPrograms)
}

// OpenNativeTerminalWithCommand opens a native terminal running an arbitrary
// command in the given directory.
func (m *Manager) OpenNativeTerminalWithCommand(command, cwd string) error {
	return launcher.OpenCommand(command, cwd, m.cfg.TerminalPrograms)
}

// combineErrors flattens teardown errors into one.
func combineErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	msg := "multiple errors occurred:"
	for _, err := range errs {
		msg += "\n  - " + err.Error()
	}
	return fmt.Errorf("%s", msg)
}
