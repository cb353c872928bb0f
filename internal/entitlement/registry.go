package entitlement

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sessionbroker/sessionbroker/pkg/models"
)

// Registry holds tenant and workspace records. All mutation methods enforce
// the corresponding Can... predicate before mutating.
type Registry struct {
	mu         sync.RWMutex
	users      map[string]*models.User
	workspaces map[string]*models.Workspace
	now        func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		users:      make(map[string]*models.User),
		workspaces: make(map[string]*models.Workspace),
		now:        time.Now,
	}
}

// SetClock overrides the registry's time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// EnsureUser returns the user record, creating one on first sight. The tier
// of an existing user is never changed here; tier changes go through SetTier.
func (r *Registry) EnsureUser(id string, tier models.Tier) *models.User {
	r.mu.Lock()
	defer r.mu.Unlock()

	if user, exists := r.users[id]; exists {
		return user
	}

	if tier == "" {
		tier = models.TierFree
	}
	user := &models.User{
		ID:        id,
		Tier:      tier,
		CreatedAt: r.now(),
	}
	r.users[id] = user
	return user
}

// GetUser retrieves a user by ID
func (r *Registry) GetUser(id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, exists := r.users[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", models.ErrUserNotFound, id)
	}
	return user, nil
}

// SetTier changes a user's tier. This is the explicit admin action; nothing
// else mutates tier.
func (r *Registry) SetTier(id string, tier models.Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, exists := r.users[id]
	if !exists {
		return fmt.Errorf("%w: %s", models.ErrUserNotFound, id)
	}
	user.Tier = tier
	return nil
}

// AllowedPackages returns the resource packages a user's tier may request,
// in entitlement order.
func (r *Registry) AllowedPackages(userID string) ([]models.ResourcePackage, error) {
	user, err := r.GetUser(userID)
	if err != nil {
		return nil, err
	}

	policy := policyFor(user.Tier)
	allowed := make([]models.ResourcePackage, 0, len(policy.Packages))
	for _, name := range policy.Packages {
		if pkg, ok := packages[name]; ok {
			allowed = append(allowed, pkg)
		}
	}
	return allowed, nil
}

// AllowedImages returns the image names a user's tier may request
func (r *Registry) AllowedImages(userID string) ([]string, error) {
	user, err := r.GetUser(userID)
	if err != nil {
		return nil, err
	}
	return policyFor(user.Tier).Images, nil
}

// CanUseImage reports whether the user's tier allows the named image. An
// empty image defers to the deployment default and is always allowed.
func (r *Registry) CanUseImage(userID, image string) error {
	if image == "" {
		return nil
	}
	user, err := r.GetUser(userID)
	if err != nil {
		return err
	}
	for _, allowed := range policyFor(user.Tier).Images {
		if allowed == image {
			return nil
		}
	}
	return fmt.Errorf("%w: image %q not available on tier %s", models.ErrEntitlementDenied, image, user.Tier)
}

// CanCreateWorkspace checks the user's workspace count against their tier
// cap and the package against the tier allow-list.
func (r *Registry) CanCreateWorkspace(userID, pkg string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canCreateWorkspaceLocked(userID, pkg)
}

func (r *Registry) canCreateWorkspaceLocked(userID, pkg string) error {
	user, exists := r.users[userID]
	if !exists {
		return fmt.Errorf("%w: %s", models.ErrUserNotFound, userID)
	}

	policy := policyFor(user.Tier)
	if len(user.WorkspaceIDs) >= policy.MaxWorkspaces {
		return fmt.Errorf("%w: tier %s allows at most %d workspaces", models.ErrEntitlementDenied, user.Tier, policy.MaxWorkspaces)
	}

	if _, ok := packages[pkg]; !ok {
		return fmt.Errorf("%w: unknown package %q", models.ErrEntitlementDenied, pkg)
	}
	for _, allowed := range policy.Packages {
		if allowed == pkg {
			return nil
		}
	}
	return fmt.Errorf("%w: package %q not available on tier %s", models.ErrEntitlementDenied, pkg, user.Tier)
}

// CreateWorkspace creates a workspace for the user after entitlement checks.
// An empty package selects the tier's default.
func (r *Registry) CreateWorkspace(userID, pkg string) (*models.Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, exists := r.users[userID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", models.ErrUserNotFound, userID)
	}
	if pkg == "" {
		pkg = DefaultPackage(user.Tier)
	}
	if err := r.canCreateWorkspaceLocked(userID, pkg); err != nil {
		return nil, err
	}

	ws := &models.Workspace{
		ID:          uuid.New().String(),
		OwnerUserID: userID,
		Package:     pkg,
		Status:      models.WorkspaceActive,
		CreatedAt:   r.now(),
	}
	r.workspaces[ws.ID] = ws
	user.WorkspaceIDs = append(user.WorkspaceIDs, ws.ID)
	return ws, nil
}

// GetWorkspace retrieves a workspace by ID
func (r *Registry) GetWorkspace(id string) (*models.Workspace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ws, exists := r.workspaces[id]
	if !exists || ws.Status == models.WorkspaceDeleted {
		return nil, fmt.Errorf("%w: %s", models.ErrWorkspaceNotFound, id)
	}
	return ws, nil
}

// WorkspacesFor lists a user's workspaces
func (r *Registry) WorkspacesFor(userID string) []*models.Workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Workspace
	for _, ws := range r.workspaces {
		if ws.OwnerUserID == userID && ws.Status != models.WorkspaceDeleted {
			out = append(out, ws)
		}
	}
	return out
}

// DeleteWorkspace marks a workspace deleted. Only the owner may delete, and
// not while storage is still allocated against it.
func (r *Registry) DeleteWorkspace(userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, exists := r.workspaces[id]
	if !exists || ws.Status == models.WorkspaceDeleted {
		return fmt.Errorf("%w: %s", models.ErrWorkspaceNotFound, id)
	}
	if ws.OwnerUserID != userID {
		return fmt.Errorf("%w: workspace %s is not owned by %s", models.ErrEntitlementDenied, id, userID)
	}
	if ws.StorageGB > 0 || len(ws.BucketNames) > 0 || len(ws.VolumeNames) > 0 {
		return fmt.Errorf("workspace %s still has storage allocated", id)
	}

	ws.Status = models.WorkspaceDeleted

	user := r.users[userID]
	for i, wsID := range user.WorkspaceIDs {
		if wsID == id {
			user.WorkspaceIDs = append(user.WorkspaceIDs[:i], user.WorkspaceIDs[i+1:]...)
			break
		}
	}
	return nil
}

// UpdateWorkspace runs fn against the workspace record under the registry
// write lock. Used by the storage allocator to mutate usage counters.
func (r *Registry) UpdateWorkspace(id string, fn func(*models.Workspace) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, exists := r.workspaces[id]
	if !exists || ws.Status == models.WorkspaceDeleted {
		return fmt.Errorf("%w: %s", models.ErrWorkspaceNotFound, id)
	}
	return fn(ws)
}
