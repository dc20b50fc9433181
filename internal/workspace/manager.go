// Package workspace manages the isolated filesystem directories in
// which Git operations run: allocation, leasing, quota enforcement and
// eviction.
package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/gitsmith-dev/gitsmith/internal/config"
	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
	"github.com/gitsmith-dev/gitsmith/internal/logger"
	"github.com/gitsmith-dev/gitsmith/internal/models"
	"github.com/gitsmith-dev/gitsmith/internal/store"
)

// quotaHysteresis stops eviction once usage drops below quota times
// this factor, so back-to-back passes do not thrash.
const quotaHysteresis = 0.9

// Manager owns the workspace directories under a single root and
// their metadata records.
type Manager struct {
	cfg   config.WorkspaceConfig
	store *store.Store
	log   logger.Logger

	mu     sync.Mutex
	leases map[string]int

	rootLock *flock.Flock

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewManager creates the workspace root (owner-only) and takes an
// advisory lock on it so two server instances never share a root.
func NewManager(cfg config.WorkspaceConfig, st *store.Store, log logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	rootLock := flock.New(filepath.Join(cfg.Root, ".gitsmith.lock"))
	locked, err := rootLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock workspace root: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("workspace root %s is owned by another gitsmith instance", cfg.Root)
	}

	return &Manager{
		cfg:      cfg,
		store:    st,
		log:      log.Named("workspace"),
		leases:   make(map[string]int),
		rootLock: rootLock,
	}, nil
}

// Allocate creates a new workspace directory and record. The record is
// inserted before the path is returned, so a crash cannot leave an
// untracked directory behind the caller's back.
func (m *Manager) Allocate(ctx context.Context) (*models.Workspace, error) {
	usage, err := m.store.SumWorkspaceBytes(ctx)
	if err != nil {
		return nil, err
	}
	if usage >= m.cfg.TotalQuotaBytes {
		return nil, errdefs.Newf(errdefs.KindStorageFull,
			"workspace quota exhausted: %d of %d bytes in use", usage, m.cfg.TotalQuotaBytes).
			WithSuggestion("Delete unused workspaces or raise WORKSPACE_TOTAL_QUOTA_BYTES")
	}

	id := uuid.New().String()
	path := filepath.Join(m.cfg.Root, id)
	now := time.Now().UTC()

	ws := &models.Workspace{
		ID:             id,
		Path:           path,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := m.store.InsertWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	if err := os.Mkdir(path, 0o700); err != nil {
		// Roll the record back so metadata never points at nothing.
		_ = m.store.DeleteWorkspace(ctx, id)
		return nil, errdefs.Wrap(errdefs.KindSystemError, "failed to create workspace directory", err)
	}

	m.log.Infow("workspace allocated", "workspace_id", id, "path", path)
	return ws, nil
}

// Acquire takes a lease on the workspace and returns its path. The
// path is re-verified against the root on every acquire. Quarantined
// workspaces are refused.
func (m *Manager) Acquire(ctx context.Context, id string) (string, error) {
	ws, err := m.get(ctx, id)
	if err != nil {
		return "", err
	}
	if ws.Dirty {
		return "", errdefs.Newf(errdefs.KindRepoLocked, "workspace %s is quarantined", id)
	}

	resolved, err := filepath.EvalSymlinks(ws.Path)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindSystemError, "failed to resolve workspace path", err)
	}
	rootResolved, err := filepath.EvalSymlinks(m.cfg.Root)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindSystemError, "failed to resolve workspace root", err)
	}
	if !isDescendant(rootResolved, resolved) {
		return "", errdefs.Newf(errdefs.KindPathEscape, "workspace path escapes root: %s", ws.Path)
	}

	if err := m.store.TouchWorkspace(ctx, id, time.Now().UTC()); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.leases[id]++
	m.mu.Unlock()

	return ws.Path, nil
}

// Release drops a lease. Workspaces are not deleted on release;
// cleanup is driven by the eviction policy.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.leases[id]; n > 1 {
		m.leases[id] = n - 1
	} else {
		delete(m.leases, id)
	}
}

// Leased reports whether any task currently holds the workspace.
func (m *Manager) Leased(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leases[id] > 0
}

// Touch updates last_accessed_at only.
func (m *Manager) Touch(ctx context.Context, id string) error {
	if _, err := m.get(ctx, id); err != nil {
		return err
	}
	return m.store.TouchWorkspace(ctx, id, time.Now().UTC())
}

// Get returns the workspace record, reaping it first if the directory
// was removed externally.
func (m *Manager) Get(ctx context.Context, id string) (*models.Workspace, error) {
	return m.get(ctx, id)
}

func (m *Manager) get(ctx context.Context, id string) (*models.Workspace, error) {
	ws, err := m.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(ws.Path); os.IsNotExist(statErr) {
		m.log.Warnw("workspace directory missing, reaping record", "workspace_id", id)
		_ = m.store.DeleteWorkspace(ctx, id)
		return nil, errdefs.Newf(errdefs.KindWorkspaceNotFound, "workspace not found: %s", id)
	}
	return ws, nil
}

// List returns all workspaces, reaping records whose directories
// disappeared.
func (m *Manager) List(ctx context.Context) ([]*models.Workspace, error) {
	all, err := m.store.ListWorkspaces(ctx, store.OrderByCreated, 0)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, ws := range all {
		if _, statErr := os.Stat(ws.Path); os.IsNotExist(statErr) {
			_ = m.store.DeleteWorkspace(ctx, ws.ID)
			continue
		}
		out = append(out, ws)
	}
	return out, nil
}

// Delete removes a workspace directory and its record. Leased
// workspaces are refused.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if m.Leased(id) {
		return errdefs.Newf(errdefs.KindRepoLocked, "workspace %s is in use", id)
	}
	ws, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		return errdefs.Wrap(errdefs.KindSystemError, "failed to remove workspace directory", err)
	}
	if err := m.store.DeleteWorkspace(ctx, id); err != nil {
		return err
	}
	m.log.Infow("workspace deleted", "workspace_id", id)
	return nil
}

// Quarantine flags a workspace dirty, excluding it from reuse and
// eviction until operator review.
func (m *Manager) Quarantine(ctx context.Context, id string) error {
	return m.store.SetWorkspaceDirty(ctx, id, true)
}

// RefreshSize walks the workspace directory and records its on-disk
// size.
func (m *Manager) RefreshSize(ctx context.Context, id string) (int64, error) {
	ws, err := m.get(ctx, id)
	if err != nil {
		return 0, err
	}
	size := dirSize(ws.Path)
	if err := m.store.SetWorkspaceSize(ctx, id, size); err != nil {
		return 0, err
	}
	return size, nil
}

// CleanupExpired removes workspaces idle past the retention age with
// no active lease. Returns the number removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(m.cfg.RetentionSeconds) * time.Second)
	all, err := m.store.ListWorkspaces(ctx, store.OrderByLastAccessed, 0)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ws := range all {
		if ws.LastAccessedAt.After(cutoff) {
			// Ordered ascending by last access; everything after this
			// point is younger.
			break
		}
		if m.Leased(ws.ID) || ws.Dirty {
			continue
		}
		if err := m.remove(ctx, ws); err != nil {
			m.log.Warnw("failed to remove expired workspace", "workspace_id", ws.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.Infow("expired workspaces removed", "count", removed)
	}
	return removed, nil
}

// EvictUntilUnderQuota removes one workspace at a time, oldest first
// per the configured strategy, until usage drops below quota with
// hysteresis. Leased and quarantined workspaces are skipped; if every
// candidate is skipped the pass ends with usage still high, which is
// reported in the returned count and the log.
func (m *Manager) EvictUntilUnderQuota(ctx context.Context) (int, error) {
	target := int64(float64(m.cfg.TotalQuotaBytes) * quotaHysteresis)

	orderBy := store.OrderByLastAccessed
	if m.cfg.CleanupStrategy == config.CleanupFIFO {
		orderBy = store.OrderByCreated
	}

	evicted := 0
	for {
		usage, err := m.store.SumWorkspaceBytes(ctx)
		if err != nil {
			return evicted, err
		}
		if usage <= target {
			return evicted, nil
		}

		candidates, err := m.store.ListWorkspaces(ctx, orderBy, 0)
		if err != nil {
			return evicted, err
		}

		var victim *models.Workspace
		for _, ws := range candidates {
			if m.Leased(ws.ID) || ws.Dirty {
				continue
			}
			victim = ws
			break
		}
		if victim == nil {
			m.log.Warnw("quota exceeded but no evictable workspace",
				"usage_bytes", usage, "quota_bytes", m.cfg.TotalQuotaBytes)
			return evicted, nil
		}

		if err := m.remove(ctx, victim); err != nil {
			return evicted, err
		}
		evicted++
		m.log.Infow("workspace evicted", "workspace_id", victim.ID, "strategy", string(m.cfg.CleanupStrategy))
	}
}

func (m *Manager) remove(ctx context.Context, ws *models.Workspace) error {
	if err := os.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("remove workspace directory: %w", err)
	}
	return m.store.DeleteWorkspace(ctx, ws.ID)
}

// DiskSpace reports capacity of the filesystem hosting the root.
func (m *Manager) DiskSpace() (total, free int64, err error) {
	return diskSpace(m.cfg.Root)
}

// StartSweeper runs CleanupExpired on the configured interval until
// StopSweeper is called.
func (m *Manager) StartSweeper(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})

	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if _, err := m.CleanupExpired(sweepCtx); err != nil {
					m.log.Errorw("workspace sweep failed", "error", err)
				}
			}
		}
	}()
}

// StopSweeper stops the background sweeper and releases the root lock.
func (m *Manager) StopSweeper() {
	if m.sweepCancel != nil {
		m.sweepCancel()
		<-m.sweepDone
	}
	_ = m.rootLock.Unlock()
}

// dirSize sums file sizes under path. Unreadable entries count as
// zero; the value is advisory.
func dirSize(path string) int64 {
	var size int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}
