package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionbroker/sessionbroker/internal/entitlement"
	"github.com/sessionbroker/sessionbroker/pkg/models"
)

// Allocator reserves bucket and volume storage against workspace quotas. It
// only does bookkeeping and name synthesis; external provisioning consumes
// the allocation's names as configuration during the provider step.
//
// Check-then-allocate is atomic per workspace: concurrent allocations in the
// same workspace serialize on that workspace's lock, while different
// workspaces proceed in parallel.
type Allocator struct {
	registry *entitlement.Registry
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	now      func() time.Time
}

// NewAllocator creates an allocator backed by the given registry
func NewAllocator(registry *entitlement.Registry) *Allocator {
	return &Allocator{
		registry: registry,
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// SetClock overrides the allocator's time source. Test hook.
func (a *Allocator) SetClock(now func() time.Time) {
	a.now = now
}

// CanAllocate reports whether the request could be satisfied right now. The
// answer is advisory; Allocate re-checks under the workspace lock.
func (a *Allocator) CanAllocate(workspaceID string, req models.StorageRequest) error {
	ws, err := a.registry.GetWorkspace(workspaceID)
	if err != nil {
		return err
	}
	return checkRequest(ws, req)
}

// Allocate reserves the requested storage for a session: synthesizes
// provider-safe resource names, appends them to the workspace's usage lists,
// and bumps the storage counter. The quota check happens before any
// mutation, never after.
func (a *Allocator) Allocate(workspaceID, userID, sessionID, namespace string, req models.StorageRequest, expiresAt time.Time) (*models.StorageAllocation, error) {
	lock := a.lockFor(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	ws, err := a.registry.GetWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	if err := checkRequest(ws, req); err != nil {
		return nil, err
	}

	now := a.now()
	alloc := &models.StorageAllocation{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		UserID:      userID,
		SessionID:   sessionID,
		StorageGB:   req.TotalGB(),
		AllocatedAt: now,
		ExpiresAt:   expiresAt,
	}
	if req.Bucket {
		alloc.BucketName = BucketName(workspaceID, namespace, now)
	}
	if req.Volume {
		alloc.VolumeName = VolumeName(workspaceID, namespace, now)
	}

	err = a.registry.UpdateWorkspace(workspaceID, func(ws *models.Workspace) error {
		if alloc.BucketName != "" {
			ws.BucketNames = append(ws.BucketNames, alloc.BucketName)
		}
		if alloc.VolumeName != "" {
			ws.VolumeNames = append(ws.VolumeNames, alloc.VolumeName)
		}
		ws.StorageGB += alloc.StorageGB
		return nil
	})
	if err != nil {
		return nil, err
	}

	return alloc, nil
}

// Deallocate releases an allocation back to its workspace. It is idempotent:
// names already absent are skipped and the storage counter is clamped at
// zero.
func (a *Allocator) Deallocate(workspaceID string, alloc *models.StorageAllocation) error {
	if alloc == nil {
		return nil
	}

	lock := a.lockFor(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	return a.registry.UpdateWorkspace(workspaceID, func(ws *models.Workspace) error {
		removedAny := false
		if alloc.BucketName != "" {
			var removed bool
			ws.BucketNames, removed = removeName(ws.BucketNames, alloc.BucketName)
			removedAny = removedAny || removed
		}
		if alloc.VolumeName != "" {
			var removed bool
			ws.VolumeNames, removed = removeName(ws.VolumeNames, alloc.VolumeName)
			removedAny = removedAny || removed
		}
		if removedAny || (alloc.BucketName == "" && alloc.VolumeName == "") {
			ws.StorageGB -= alloc.StorageGB
			if ws.StorageGB < 0 {
				ws.StorageGB = 0
			}
		}
		return nil
	})
}

// checkRequest validates sizes and enforces the package storage ceiling
func checkRequest(ws *models.Workspace, req models.StorageRequest) error {
	if req.Bucket && req.BucketGB < 0 {
		return fmt.Errorf("%w: bucket size %dGB", models.ErrInvalidStorageRequest, req.BucketGB)
	}
	if req.Volume && req.VolumeGB < 0 {
		return fmt.Errorf("%w: volume size %dGB", models.ErrInvalidStorageRequest, req.VolumeGB)
	}

	pkg, ok := entitlement.PackageByName(ws.Package)
	if !ok {
		return fmt.Errorf("%w: workspace %s has unknown package %q", models.ErrInvalidStorageRequest, ws.ID, ws.Package)
	}
	if ws.StorageGB+req.TotalGB() > pkg.StorageCeilingGB {
		return fmt.Errorf("%w: %dGB used + %dGB requested exceeds %dGB ceiling for package %s",
			models.ErrStorageQuotaExceeded, ws.StorageGB, req.TotalGB(), pkg.StorageCeilingGB, ws.Package)
	}
	return nil
}

func (a *Allocator) lockFor(workspaceID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	lock, exists := a.locks[workspaceID]
	if !exists {
		lock = &sync.Mutex{}
		a.locks[workspaceID] = lock
	}
	return lock
}

func removeName(names []string, name string) ([]string, bool) {
	for i, n := range names {
		if n == name {
			return append(names[:i], names[i+1:]...), true
		}
	}
	return names, false
}
