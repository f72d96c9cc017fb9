package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"termmux/config"
	"termmux/log"
)

// BundleVersion is the persisted bundle format version.
const BundleVersion = 1

// PersistedSession is one saved session inside an owner bundle.
type PersistedSession struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"ownerId"`
	ScreenBuffer string         `json:"screenBuffer"`
	Cols         int            `json:"cols"`
	Rows         int            `json:"rows"`
	Profile      *LaunchProfile `json:"profile,omitempty"`
}

// OwnerBundle is the durable per-owner document written at shutdown and
// consumed (then immediately deleted) on the owner's first listing after a
// restart.
type OwnerBundle struct {
	Version  int                `json:"version"`
	Sessions []PersistedSession `json:"sessions"`
}

// ownerFileRegex strips characters that cannot appear in a bundle filename.
var ownerFileRegex = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// BundleStore reads and writes per-owner session bundles under the config
// directory, guarded by a cross-process file lock.
type BundleStore struct {
	dir string
}

// NewBundleStore creates the bundle directory if needed.
func NewBundleStore(cfg *config.Config) (*BundleStore, error) {
	dir, err := config.GetOwnersDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory: %w", err)
	}
	return &BundleStore{dir: dir}, nil
}

// NewBundleStoreAt creates a store rooted at an explicit directory. Used by
// tests to avoid touching the real config dir.
func NewBundleStoreAt(dir string) (*BundleStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory: %w", err)
	}
	return &BundleStore{dir: dir}, nil
}

func (st *BundleStore) bundlePath(ownerID string) string {
	return filepath.Join(st.dir, ownerFileRegex.ReplaceAllString(ownerID, "_")+".json")
}

// WriteBundle writes one owner's bundle to disk.
func (st *BundleStore) WriteBundle(ownerID string, bundle *OwnerBundle) error {
	path := st.bundlePath(ownerID)

	lock := config.NewFileLock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock bundle for owner %s: %w", ownerID, err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bundle for owner %s: %w", ownerID, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write bundle for owner %s: %w", ownerID, err)
	}
	return nil
}

// ReadBundle loads one owner's bundle. A missing, corrupt or wrong-version
// bundle reads as "nothing to restore" and is never an error.
func (st *BundleStore) ReadBundle(ownerID string) (*OwnerBundle, bool) {
	path := st.bundlePath(ownerID)

	lock := config.NewFileLock(path)
	if err := lock.RLock(); err != nil {
		log.WarningLog.Printf("failed to lock bundle for owner %s: %v", ownerID, err)
	} else {
		defer lock.Unlock()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WarningLog.Printf("failed to read bundle for owner %s: %v", ownerID, err)
		}
		return nil, false
	}

	var bundle OwnerBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		log.WarningLog.Printf("corrupt bundle for owner %s, treating as empty: %v", ownerID, err)
		return nil, false
	}
	if bundle.Version != BundleVersion {
		log.WarningLog.Printf("bundle for owner %s has unknown version %d, treating as empty", ownerID, bundle.Version)
		return nil, false
	}
	return &bundle, true
}

// DeleteBundle removes one owner's bundle. Deleting a missing bundle is a
// no-op.
func (st *BundleStore) DeleteBundle(ownerID string) error {
	err := os.Remove(st.bundlePath(ownerID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete bundle for owner %s: %w", ownerID, err)
	}
	return nil
}

// DeleteAll removes every persisted bundle. Used by the reset command.
func (st *BundleStore) DeleteAll() error {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read bundle directory: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if err := os.Remove(filepath.Join(st.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return combineErrors(errs)
}

// Store returns the manager's bundle store.
func (m *Manager) Store() *BundleStore {
	return m.store
}

// SaveAllSessions captures a bounded screen snapshot of every live session
// and writes one bundle per owner. A snapshot exceeding the configured byte
// cap is skipped entirely, never truncated. Bundle writes run in parallel
// and one owner's failure does not abort the others.
func (m *Manager) SaveAllSessions() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	bundles := make(map[string]*OwnerBundle)
	for _, s := range sessions {
		snapshot := s.mirror.Serialize()
		if len(snapshot) > m.cfg.SnapshotByteCap {
			log.WarningLog.Printf("skipping snapshot for session %s: %d bytes exceeds cap of %d",
				s.ID, len(snapshot), m.cfg.SnapshotByteCap)
			continue
		}

		cols, rows := s.Size()
		bundle := bundles[s.OwnerID]
		if bundle == nil {
			bundle = &OwnerBundle{Version: BundleVersion}
			bundles[s.OwnerID] = bundle
		}
		bundle.Sessions = append(bundle.Sessions, PersistedSession{
			ID:           s.ID,
			OwnerID:      s.OwnerID,
			ScreenBuffer: snapshot,
			Cols:         cols,
			Rows:         rows,
			Profile:      s.Profile,
		})
	}

	var errs []error
	for _, res := range parallelWriteBundles(m.store, bundles) {
		if res.Err != nil {
			log.ErrorLog.Printf("failed to save bundle for owner %s: %v", res.OwnerID, res.Err)
			errs = append(errs, res.Err)
		}
	}
	return combineErrors(errs)
}

// restoreOwnerSessions lazily restores an owner's persisted bundle. The
// bundle file is deleted the moment it is read so a crash mid-restore cannot
// cause a duplicate restore on the next run. Each entry is recreated through
// the normal create path under its original identifier, with the mirror
// pre-seeded from the saved screen buffer. A single entry's failure is
// logged and skipped.
func (m *Manager) restoreOwnerSessions(ownerID string) {
	bundle, found := m.store.ReadBundle(ownerID)
	if !found {
		return
	}
	if err := m.store.DeleteBundle(ownerID); err != nil {
		log.WarningLog.Printf("failed to delete bundle after read for owner %s: %v", ownerID, err)
	}

	liveIDs := make([]string, 0, len(bundle.Sessions))
	for _, saved := range bundle.Sessions {
		s, err := m.create(createRequest{
			CreateOptions: CreateOptions{
				OwnerID: ownerID,
				Profile: saved.Profile,
				Cols:    saved.Cols,
				Rows:    saved.Rows,
			},
			reuseID:    saved.ID,
			seedBuffer: saved.ScreenBuffer,
		})
		if err != nil {
			log.ErrorLog.Printf("failed to restore session %s for owner %s: %v", saved.ID, ownerID, err)
			continue
		}
		liveIDs = append(liveIDs, s.ID)
	}

	log.InfoLog.Printf("restored %d/%d sessions for owner %s", len(liveIDs), len(bundle.Sessions), ownerID)
	go m.notifier.ReconcileRestored(ownerID, liveIDs)
}
