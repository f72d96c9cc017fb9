package session

import "sync"

// ActivityChange is an edge-triggered running/idle transition for one
// session. A change is published only when the computed state actually
// differs from the previous one, so bursty output never produces a stream of
// redundant events.
type ActivityChange struct {
	SessionID string
	OwnerID   string
	Running   bool
}

// OwnerActivity aggregates per-owner activity. Recomputed by full scan on
// demand; per-owner session counts are small.
type OwnerActivity struct {
	ActiveCount   int
	TotalSessions int
}

type activityRecord struct {
	ownerID string
	running bool
}

// activityTracker keeps one running/idle record per live session and
// publishes edge-triggered change events.
type activityTracker struct {
	mu      sync.Mutex
	records map[string]*activityRecord
	subs    map[int]func(ActivityChange)
	nextSub int
}

func newActivityTracker() *activityTracker {
	return &activityTracker{
		records: make(map[string]*activityRecord),
		subs:    make(map[int]func(ActivityChange)),
	}
}

// register adds a record for a new session, initially idle.
func (t *activityTracker) register(sessionID, ownerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[sessionID] = &activityRecord{ownerID: ownerID}
}

// remove drops a session's record.
func (t *activityTracker) remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, sessionID)
}

// set updates a session's state and notifies subscribers only on an actual
// transition. Unknown ids are ignored: the session may already be closed by
// the time a stale timer or signal lands.
func (t *activityTracker) set(sessionID string, running bool) {
	t.mu.Lock()
	rec, ok := t.records[sessionID]
	if !ok || rec.running == running {
		t.mu.Unlock()
		return
	}
	rec.running = running
	change := ActivityChange{SessionID: sessionID, OwnerID: rec.ownerID, Running: running}
	subs := make([]func(ActivityChange), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(change)
	}
}

// isRunning returns a session's current state. Unknown ids read as idle.
func (t *activityTracker) isRunning(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[sessionID]
	return ok && rec.running
}

// ownerActivity scans all records for one owner's aggregate.
func (t *activityTracker) ownerActivity(ownerID string) OwnerActivity {
	t.mu.Lock()
	defer t.mu.Unlock()

	var agg OwnerActivity
	for _, rec := range t.records {
		if rec.ownerID != ownerID {
			continue
		}
		agg.TotalSessions++
		if rec.running {
			agg.ActiveCount++
		}
	}
	return agg
}

// subscribe registers a change callback and returns an unsubscribe handle.
func (t *activityTracker) subscribe(fn func(ActivityChange)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}
