package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/sessionbroker/sessionbroker/internal/billing"
	"github.com/sessionbroker/sessionbroker/internal/entitlement"
	"github.com/sessionbroker/sessionbroker/internal/provider"
	"github.com/sessionbroker/sessionbroker/internal/storage"
	"github.com/sessionbroker/sessionbroker/pkg/models"
)

const (
	defaultTTLSeconds = 3600
	minTTLSeconds     = 60
	maxTTLSeconds     = 21600

	defaultProvisionTimeout = 2 * time.Minute
	teardownTimeout         = 30 * time.Second
	defaultMaxPerUser       = 10
)

// CredentialBinder grants provisioned compute access to its storage after
// creation. Invoked fire-and-forget; never on the rollback path.
type CredentialBinder func(namespace, workspaceID, bucketName string)

// Orchestrator drives the session lifecycle: credit admission, storage
// allocation, provider provisioning, billing, and teardown with rollback on
// partial failure.
//
// Shared state is the session table, workspace usage counters (owned by the
// allocator), and credit balances (owned by the ledger). Lock granularity is
// per entity key: a per-session lock serializes create/delete for the same
// id, and allocations in the same workspace serialize inside the allocator.
// There is no global lock.
type Orchestrator struct {
	registry  *entitlement.Registry
	allocator *storage.Allocator
	ledger    *billing.Ledger
	adapters  map[models.ProviderKind]provider.Adapter

	sessions     sync.Map // sessionID -> *models.Session
	sessionLocks sync.Map // sessionID -> *sync.Mutex
	jobs         sync.Map // jobID -> jobRef

	mu          sync.Mutex
	concurrency map[string]*semaphore.Weighted
	maxPerUser  int64

	provisionTimeout time.Duration
	binder           CredentialBinder
	now              func() time.Time
}

// New creates a session orchestrator over the given backends
func New(registry *entitlement.Registry, allocator *storage.Allocator, ledger *billing.Ledger, adapters map[models.ProviderKind]provider.Adapter) *Orchestrator {
	return &Orchestrator{
		registry:         registry,
		allocator:        allocator,
		ledger:           ledger,
		adapters:         adapters,
		concurrency:      make(map[string]*semaphore.Weighted),
		maxPerUser:       defaultMaxPerUser,
		provisionTimeout: defaultProvisionTimeout,
		now:              time.Now,
	}
}

// SetClock overrides the orchestrator's time source. Test hook.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// SetProvisionTimeout bounds how long a provider Create may take
func (o *Orchestrator) SetProvisionTimeout(d time.Duration) {
	o.provisionTimeout = d
}

// SetMaxSessionsPerUser caps concurrent sessions per user
func (o *Orchestrator) SetMaxSessionsPerUser(n int64) {
	o.maxPerUser = n
}

// SetCredentialBinder registers the post-provisioning identity hook
func (o *Orchestrator) SetCredentialBinder(binder CredentialBinder) {
	o.binder = binder
}

// CreateSession runs the admission-to-running transition sequence. Checks
// are ordered cheapest first: credits, then entitlement and storage quota,
// then the expensive provider call. Storage allocated before a failed
// provider call is rolled back before the error propagates.
func (o *Orchestrator) CreateSession(ctx context.Context, userID string, tier models.Tier, req models.CreateSessionRequest) (*models.Session, error) {
	kind := req.Provider
	if kind == "" {
		kind = models.ProviderServerlessContainer
	}
	adapter, ok := o.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", kind)
	}

	ttl := req.TTLSeconds
	if ttl == 0 {
		ttl = defaultTTLSeconds
	}
	if ttl < minTTLSeconds || ttl > maxTTLSeconds {
		return nil, fmt.Errorf("ttlSeconds must be between %d and %d", minTTLSeconds, maxTTLSeconds)
	}

	// Resolve tenant: create on first sight at the given tier.
	user := o.registry.EnsureUser(userID, tier)
	o.ledger.EnsureAccount(userID)

	if err := o.acquireSlot(userID); err != nil {
		return nil, err
	}

	// Admission check: a conservative one-hour estimate at the tier rate.
	rate := billing.HourlyRate(user.Tier)
	estimate := rate * 1.0
	balance := o.ledger.GetBalance(userID)
	if estimate > 0 && balance < estimate {
		o.releaseSlot(userID)
		return nil, fmt.Errorf("%w: balance $%.4f below one-hour estimate $%.4f at $%.3f/h",
			models.ErrInsufficientCredits, balance, estimate, rate)
	}

	// Entitlement gating happens before any session object exists.
	if err := o.registry.CanUseImage(userID, req.Image); err != nil {
		o.releaseSlot(userID)
		return nil, err
	}

	ws, err := o.resolveWorkspace(user, req)
	if err != nil {
		o.releaseSlot(userID)
		return nil, err
	}

	sessionID := uuid.New().String()
	namespace := fmt.Sprintf("session-%s", sessionID[:8])
	now := o.now()
	expiresAt := now.Add(time.Duration(ttl) * time.Second)

	lock := o.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	// Storage is allocated optimistically before the provider call so quota
	// failures are cheap; the rollback below is what keeps it from leaking.
	var alloc *models.StorageAllocation
	if !req.Storage.Empty() {
		alloc, err = o.allocator.Allocate(ws.ID, userID, sessionID, namespace, req.Storage, expiresAt)
		if err != nil {
			o.releaseSlot(userID)
			return nil, err
		}
	}

	sess := &models.Session{
		ID:          sessionID,
		Provider:    kind,
		WorkspaceID: ws.ID,
		OwnerUserID: userID,
		Status:      models.StatusProvisioning,
		Image:       req.Image,
		Package:     ws.Package,
		BillingTier: user.Tier,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		TTLSeconds:  ttl,
		Storage:     alloc,
	}
	o.sessions.Store(sessionID, sess)

	pkg, _ := entitlement.PackageByName(ws.Package)
	spec := provider.CreateSpec{
		SessionID:   sessionID,
		Namespace:   namespace,
		Owner:       userID,
		WorkspaceID: ws.ID,
		Image:       req.Image,
		Package:     pkg,
		Env:         req.Env,
	}
	if alloc != nil {
		spec.BucketName = alloc.BucketName
		spec.VolumeName = alloc.VolumeName
		spec.StorageGB = alloc.StorageGB
	}

	pctx, cancel := context.WithTimeout(ctx, o.provisionTimeout)
	defer cancel()

	handle, err := adapter.Create(pctx, spec)
	if err != nil {
		// Rollback: storage is the only optimistically acquired resource. A
		// deallocation failure is a second-order warning and must not mask
		// the provisioning error.
		if alloc != nil {
			if dErr := o.allocator.Deallocate(ws.ID, alloc); dErr != nil {
				log.Printf("session %s: storage rollback failed: %v", sessionID, dErr)
			}
			sess.Storage = nil
		}
		sess.Status = models.StatusFailed
		o.sessions.Store(sessionID, sess)
		o.releaseSlot(userID)

		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: provider %s did not provision within %s", models.ErrProviderTimeout, kind, o.provisionTimeout)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrProviderProvisioningFailed, err)
	}

	// Billing-start failure is non-fatal: a session without billing is still
	// reclaimable by timeout or admin action.
	if _, err := o.ledger.StartBilling(sessionID, userID, user.Tier); err != nil {
		log.Printf("session %s: failed to start billing: %v", sessionID, err)
	}

	if o.binder != nil {
		bucketName := ""
		if alloc != nil {
			bucketName = alloc.BucketName
		}
		go o.binder(handle.Namespace, ws.ID, bucketName)
	}

	sess.Handle = handle
	sess.ConnectURL = handle.ConnectURL
	sess.Status = models.StatusRunning
	o.sessions.Store(sessionID, sess)

	go o.watchExpiry(sessionID, expiresAt)

	log.Printf("session %s running on %s for %s (workspace %s)", sessionID[:8], kind, userID, ws.ID[:8])
	return sess, nil
}

// DeleteSession tears a session down in fixed order: billing first to bound
// financial exposure, then storage, then provider compute. Backend failures
// along the way are collected as warnings, never as a failed deletion — once
// invoked, the session is gone from the tenant's perspective.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) (*models.DeleteReport, error) {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	value, ok := o.sessions.Load(id)
	if !ok {
		return &models.DeleteReport{SessionID: id, AlreadyGone: true}, nil
	}
	sess := value.(*models.Session)

	// A session that failed provisioning already released its concurrency
	// slot on the failure path.
	holdsSlot := sess.Status != models.StatusFailed
	sess.Status = models.StatusDeleting

	var warnings *multierror.Error
	report := &models.DeleteReport{SessionID: id}

	// Stop billing first. StopBilling is a no-op on a second call, so the
	// debit happens at most once per session.
	if rec := o.ledger.StopBilling(id); rec != nil {
		report.Billing = rec
		if err := o.ledger.Debit(rec.UserID, rec.TotalCost, "session usage", id); err != nil {
			warnings = multierror.Append(warnings, fmt.Errorf("billing settlement: %w", err))
			log.Printf("session %s: failed to debit $%.4f: %v", id, rec.TotalCost, err)
		}
	}
	sess.Status = models.StatusBillingFinalized

	if sess.Storage != nil {
		if err := o.allocator.Deallocate(sess.WorkspaceID, sess.Storage); err != nil {
			warnings = multierror.Append(warnings, fmt.Errorf("storage deallocation: %w", err))
			log.Printf("session %s: failed to deallocate storage: %v", id, err)
		} else {
			sess.Storage = nil
		}
	}

	if sess.Handle != nil {
		adapter, ok := o.adapters[sess.Handle.Provider]
		if !ok {
			warnings = multierror.Append(warnings, fmt.Errorf("no adapter for provider %s", sess.Handle.Provider))
		} else {
			dctx, cancel := context.WithTimeout(ctx, teardownTimeout)
			if err := adapter.Delete(dctx, sess.Handle); err != nil {
				warnings = multierror.Append(warnings, fmt.Errorf("provider teardown: %w", err))
				log.Printf("session %s: failed to tear down provider resources: %v", id, err)
			}
			cancel()
		}
	}

	// The record is removed only after provider teardown has been attempted.
	sess.Status = models.StatusTerminated
	o.sessions.Delete(id)
	o.sessionLocks.Delete(id)
	if holdsSlot {
		o.releaseSlot(sess.OwnerUserID)
	}

	if warnings != nil {
		for _, err := range warnings.Errors {
			report.Warnings = append(report.Warnings, err.Error())
		}
	}
	return report, nil
}

// GetSession retrieves a session by ID
func (o *Orchestrator) GetSession(id string) (*models.Session, error) {
	value, ok := o.sessions.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, id)
	}
	return value.(*models.Session), nil
}

// ListSessions returns sessions for a user, optionally filtered by status.
// An empty userID lists all sessions.
func (o *Orchestrator) ListSessions(userID string, status models.SessionStatus) []*models.Session {
	var sessions []*models.Session

	o.sessions.Range(func(key, value interface{}) bool {
		sess := value.(*models.Session)

		if userID != "" && sess.OwnerUserID != userID {
			return true
		}
		if status != "" && sess.Status != status {
			return true
		}

		sessions = append(sessions, sess)
		return true
	})

	return sessions
}

// Execute passes a command through to the session's provider. It touches
// neither billing nor storage state. Async submits the command and returns a
// job handle for polling.
func (o *Orchestrator) Execute(ctx context.Context, id, command string, timeout time.Duration, async bool) (*models.ExecResult, error) {
	sess, err := o.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.StatusRunning {
		return nil, fmt.Errorf("session %s is not running (status %s)", id, sess.Status)
	}

	adapter, ok := o.adapters[sess.Handle.Provider]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %s", sess.Handle.Provider)
	}

	result, err := adapter.Execute(ctx, sess.Handle, command, timeout, async)
	if err != nil {
		return nil, err
	}
	if async && result.JobID != "" {
		o.jobs.Store(result.JobID, jobRef{adapter: adapter, owner: sess.OwnerUserID})
	}
	return result, nil
}

// jobRef remembers which adapter runs an async job and who submitted it
type jobRef struct {
	adapter provider.Adapter
	owner   string
}

// ProviderStatus asks the session's backend how the compute is doing. The
// orchestrator reconciles reported failures lazily: a session the provider
// says is gone stays in the table until deleted or expired.
func (o *Orchestrator) ProviderStatus(ctx context.Context, id string) (*provider.Status, error) {
	sess, err := o.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Handle == nil {
		return &provider.Status{State: string(sess.Status)}, nil
	}

	adapter, ok := o.adapters[sess.Handle.Provider]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %s", sess.Handle.Provider)
	}
	return adapter.Get(ctx, sess.Handle)
}

// JobStatus polls an asynchronous execute by its job handle. Lookups are
// scoped to the submitting user; an empty userID bypasses the check for
// admin callers. The entry is evicted once a terminal state has been
// observed, so each finished job can be polled successfully exactly once.
func (o *Orchestrator) JobStatus(ctx context.Context, userID, jobID string) (*models.JobStatus, error) {
	value, ok := o.jobs.Load(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	ref := value.(jobRef)
	if userID != "" && ref.owner != userID {
		// Same answer as an unknown job so ids cannot be probed.
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}

	status, err := ref.adapter.JobStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if status.State != models.JobRunning {
		o.jobs.Delete(jobID)
	}
	return status, nil
}

// resolveWorkspace returns the requested workspace or auto-creates one so
// clients need not pre-provision workspaces for ad hoc sessions.
func (o *Orchestrator) resolveWorkspace(user *models.User, req models.CreateSessionRequest) (*models.Workspace, error) {
	if req.WorkspaceID != "" {
		ws, err := o.registry.GetWorkspace(req.WorkspaceID)
		if err == nil {
			if ws.OwnerUserID != user.ID {
				return nil, fmt.Errorf("%w: workspace %s is not owned by %s", models.ErrEntitlementDenied, ws.ID, user.ID)
			}
			if req.Package != "" && req.Package != ws.Package {
				return nil, fmt.Errorf("%w: workspace %s is bound to package %s", models.ErrEntitlementDenied, ws.ID, ws.Package)
			}
			return ws, nil
		}
		if !errors.Is(err, models.ErrWorkspaceNotFound) {
			return nil, err
		}
	}

	pkg := req.Package
	if pkg == "" {
		pkg = entitlement.DefaultPackage(user.Tier)
	}
	return o.registry.CreateWorkspace(user.ID, pkg)
}

// watchExpiry reclaims the session once its TTL elapses. Expiry runs the
// normal delete path, so billing and storage settle the same way as an
// explicit delete.
func (o *Orchestrator) watchExpiry(sessionID string, expiresAt time.Time) {
	d := expiresAt.Sub(o.now())
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	<-timer.C

	sess, err := o.GetSession(sessionID)
	if err != nil || sess.Status != models.StatusRunning {
		return
	}

	log.Printf("session %s expired, reclaiming", sessionID[:8])
	report, err := o.DeleteSession(context.Background(), sessionID)
	if err != nil {
		log.Printf("session %s: expiry delete failed: %v", sessionID, err)
		return
	}
	for _, w := range report.Warnings {
		log.Printf("session %s: expiry cleanup warning: %s", sessionID, w)
	}
}

func (o *Orchestrator) lockFor(sessionID string) *sync.Mutex {
	value, _ := o.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return value.(*sync.Mutex)
}

// acquireSlot tries to acquire a concurrency slot for the user
func (o *Orchestrator) acquireSlot(userID string) error {
	o.mu.Lock()
	sem, exists := o.concurrency[userID]
	if !exists {
		sem = semaphore.NewWeighted(o.maxPerUser)
		o.concurrency[userID] = sem
	}
	o.mu.Unlock()

	if !sem.TryAcquire(1) {
		return fmt.Errorf("concurrency limit reached for user %s", userID)
	}
	return nil
}

// releaseSlot releases a concurrency slot for the user
func (o *Orchestrator) releaseSlot(userID string) {
	o.mu.Lock()
	sem := o.concurrency[userID]
	o.mu.Unlock()

	if sem != nil {
		sem.Release(1)
	}
}
