package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sessionbroker/sessionbroker/internal/billing"
	"github.com/sessionbroker/sessionbroker/internal/entitlement"
	"github.com/sessionbroker/sessionbroker/internal/provider"
	"github.com/sessionbroker/sessionbroker/internal/storage"
	"github.com/sessionbroker/sessionbroker/pkg/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeAdapter is an in-memory provider backend
type fakeAdapter struct {
	mu          sync.Mutex
	createCalls int
	deleteCalls int
	failCreate  error
	blockCreate bool
	failDelete  error
}

func (f *fakeAdapter) Create(ctx context.Context, spec provider.CreateSpec) (*models.ProviderHandle, error) {
	f.mu.Lock()
	f.createCalls++
	fail := f.failCreate
	block := f.blockCreate
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail != nil {
		return nil, fail
	}
	return &models.ProviderHandle{
		Provider:   models.ProviderServerlessContainer,
		Namespace:  spec.Namespace,
		RefID:      "c-" + spec.SessionID,
		ConnectURL: "ws://localhost:9999",
	}, nil
}

func (f *fakeAdapter) Get(ctx context.Context, handle *models.ProviderHandle) (*provider.Status, error) {
	return &provider.Status{State: "running", Running: true}, nil
}

func (f *fakeAdapter) Delete(ctx context.Context, handle *models.ProviderHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return f.failDelete
}

func (f *fakeAdapter) Execute(ctx context.Context, handle *models.ProviderHandle, command string, timeout time.Duration, async bool) (*models.ExecResult, error) {
	if async {
		return &models.ExecResult{JobID: "job-" + handle.RefID}, nil
	}
	return &models.ExecResult{Stdout: "ran: " + command, ExitCode: 0}, nil
}

func (f *fakeAdapter) JobStatus(ctx context.Context, jobID string) (*models.JobStatus, error) {
	return &models.JobStatus{JobID: jobID, State: models.JobCompleted, Stdout: "done"}, nil
}

func (f *fakeAdapter) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *fakeAdapter) deletes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteCalls
}

type fixture struct {
	orch     *Orchestrator
	registry *entitlement.Registry
	alloc    *storage.Allocator
	ledger   *billing.Ledger
	adapter  *fakeAdapter
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := newFakeClock()
	registry := entitlement.NewRegistry()
	registry.SetClock(clock.Now)
	alloc := storage.NewAllocator(registry)
	alloc.SetClock(clock.Now)
	ledger := billing.NewLedger()
	ledger.SetClock(clock.Now)
	adapter := &fakeAdapter{}

	orch := New(registry, alloc, ledger, map[models.ProviderKind]provider.Adapter{
		models.ProviderServerlessContainer: adapter,
	})
	orch.SetClock(clock.Now)

	return &fixture{orch: orch, registry: registry, alloc: alloc, ledger: ledger, adapter: adapter, clock: clock}
}

func (f *fixture) fund(t *testing.T, userID string, tier models.Tier, amount float64) {
	t.Helper()
	f.registry.EnsureUser(userID, tier)
	f.ledger.EnsureAccount(userID)
	if err := f.ledger.Credit(userID, amount, "topup", "test funding"); err != nil {
		t.Fatalf("funding %s: %v", userID, err)
	}
}

func TestAdmissionFailsFastWithoutTouchingResources(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// No funding: the one-hour estimate exceeds the zero balance.
	_, err := f.orch.CreateSession(context.Background(), "user-1", models.TierPro, models.CreateSessionRequest{
		Storage: models.StorageRequest{Volume: true, VolumeGB: 10},
	})
	if !errors.Is(err, models.ErrInsufficientCredits) {
		t.Fatalf("got %v, want ErrInsufficientCredits", err)
	}

	if got := f.adapter.creates(); got != 0 {
		t.Errorf("provider Create was called %d times, want 0", got)
	}
	if got := len(f.registry.WorkspacesFor("user-1")); got != 0 {
		t.Errorf("a workspace was created during failed admission: %d", got)
	}
	if got := len(f.orch.ListSessions("user-1", "")); got != 0 {
		t.Errorf("a session record exists after failed admission: %d", got)
	}
}

func TestEntitlementGatingBeforeSessionCreation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fund(t, "user-1", models.TierFree, 100)

	_, err := f.orch.CreateSession(context.Background(), "user-1", models.TierFree, models.CreateSessionRequest{
		Package: "performance",
	})
	if !errors.Is(err, models.ErrEntitlementDenied) {
		t.Fatalf("got %v, want ErrEntitlementDenied", err)
	}
	if got := f.adapter.creates(); got != 0 {
		t.Errorf("provider Create was called %d times, want 0", got)
	}
	if got := len(f.orch.ListSessions("user-1", "")); got != 0 {
		t.Errorf("session record exists after entitlement rejection: %d", got)
	}
}

func TestProvisioningFailureRollsBackStorage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fund(t, "user-1", models.TierPro, 100)
	f.adapter.failCreate = errors.New("backend rejected the request")

	ws, err := f.registry.CreateWorkspace("user-1", "standard")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}

	_, err = f.orch.CreateSession(context.Background(), "user-1", models.TierPro, models.CreateSessionRequest{
		WorkspaceID: ws.ID,
		Storage:     models.StorageRequest{Bucket: true, BucketGB: 10, Volume: true, VolumeGB: 20},
	})
	if !errors.Is(err, models.ErrProviderProvisioningFailed) {
		t.Fatalf("got %v, want ErrProviderProvisioningFailed", err)
	}

	ws, _ = f.registry.GetWorkspace(ws.ID)
	if ws.StorageGB != 0 {
		t.Errorf("workspace StorageGB after rollback: got %d, want 0", ws.StorageGB)
	}
	if len(ws.BucketNames) != 0 || len(ws.VolumeNames) != 0 {
		t.Errorf("usage lists not restored: %v / %v", ws.BucketNames, ws.VolumeNames)
	}

	failed := f.orch.ListSessions("user-1", models.StatusFailed)
	if len(failed) != 1 {
		t.Fatalf("got %d failed sessions, want 1", len(failed))
	}

	// A failed session can still be cleaned out of the table.
	report, err := f.orch.DeleteSession(context.Background(), failed[0].ID)
	if err != nil {
		t.Fatalf("DeleteSession of failed session: %v", err)
	}
	if report.AlreadyGone || report.Billing != nil {
		t.Errorf("unexpected report for failed session: %+v", report)
	}
	if got := f.adapter.deletes(); got != 0 {
		t.Errorf("provider Delete was called %d times for an unprovisioned session, want 0", got)
	}
}

func TestProvisioningTimeoutRollsBackStorage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fund(t, "user-1", models.TierPro, 100)
	f.adapter.blockCreate = true
	f.orch.SetProvisionTimeout(20 * time.Millisecond)

	ws, err := f.registry.CreateWorkspace("user-1", "standard")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}

	_, err = f.orch.CreateSession(context.Background(), "user-1", models.TierPro, models.CreateSessionRequest{
		WorkspaceID: ws.ID,
		Storage:     models.StorageRequest{Volume: true, VolumeGB: 10},
	})
	if !errors.Is(err, models.ErrProviderTimeout) {
		t.Fatalf("got %v, want ErrProviderTimeout", err)
	}

	ws, _ = f.registry.GetWorkspace(ws.ID)
	if ws.StorageGB != 0 {
		t.Errorf("workspace StorageGB after timeout rollback: got %d, want 0", ws.StorageGB)
	}
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fund(t, "user-1", models.TierPro, 100)

	sess, err := f.orch.CreateSession(context.Background(), "user-1", models.TierPro, models.CreateSessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	f.clock.Advance(10 * time.Minute)

	first, err := f.orch.DeleteSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("first DeleteSession: %v", err)
	}
	if first.AlreadyGone {
		t.Error("first delete reported AlreadyGone")
	}
	if first.Billing == nil {
		t.Fatal("first delete carries no billing record")
	}

	second, err := f.orch.DeleteSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("second DeleteSession: %v", err)
	}
	if !second.AlreadyGone {
		t.Error("second delete should report AlreadyGone")
	}

	debits := 0
	for _, tx := range f.ledger.Transactions("user-1") {
		if tx.Amount < 0 {
			debits++
		}
	}
	if debits != 1 {
		t.Errorf("got %d debits, want exactly 1", debits)
	}
	if got := f.adapter.deletes(); got != 1 {
		t.Errorf("provider Delete was called %d times, want 1", got)
	}
}

func TestDeleteCollectsTeardownWarnings(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fund(t, "user-1", models.TierPro, 100)
	f.adapter.failDelete = errors.New("backend unreachable")

	sess, err := f.orch.CreateSession(context.Background(), "user-1", models.TierPro, models.CreateSessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	report, err := f.orch.DeleteSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("DeleteSession must not fail on teardown errors: %v", err)
	}
	if len(report.Warnings) == 0 {
		t.Error("expected a provider teardown warning")
	}
	if _, err := f.orch.GetSession(sess.ID); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("session still present after delete: %v", err)
	}
}

func TestExecutePassthrough(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fund(t, "user-1", models.TierPro, 100)

	sess, err := f.orch.CreateSession(context.Background(), "user-1", models.TierPro, models.CreateSessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	result, err := f.orch.Execute(context.Background(), sess.ID, "uname -a", 5*time.Second, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Stdout != "ran: uname -a" || result.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	async, err := f.orch.Execute(context.Background(), sess.ID, "sleep 60", 5*time.Second, true)
	if err != nil {
		t.Fatalf("async Execute: %v", err)
	}
	if async.JobID == "" {
		t.Fatal("async execute returned no job id")
	}

	// Another user cannot see the job, and gets the same answer as for an
	// unknown id.
	if _, err := f.orch.JobStatus(context.Background(), "user-2", async.JobID); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("job poll by non-owner: got %v, want ErrJobNotFound", err)
	}

	status, err := f.orch.JobStatus(context.Background(), "user-1", async.JobID)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if status.State != models.JobCompleted {
		t.Errorf("job state: got %s, want COMPLETED", status.State)
	}

	// The terminal poll above evicted the entry.
	if _, err := f.orch.JobStatus(context.Background(), "user-1", async.JobID); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("poll after terminal state: got %v, want ErrJobNotFound", err)
	}

	if _, err := f.orch.JobStatus(context.Background(), "user-1", "no-such-job"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("unknown job: got %v, want ErrJobNotFound", err)
	}

	if _, err := f.orch.Execute(context.Background(), "no-such-session", "ls", time.Second, false); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("execute on missing session: got %v, want ErrSessionNotFound", err)
	}

	pstatus, err := f.orch.ProviderStatus(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("ProviderStatus: %v", err)
	}
	if !pstatus.Running {
		t.Errorf("provider status: got %+v, want running", pstatus)
	}
	if _, err := f.orch.ProviderStatus(context.Background(), "no-such-session"); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("status of missing session: got %v, want ErrSessionNotFound", err)
	}
}

func TestQuotaEnforcementUnderConcurrentCreates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fund(t, "user-1", models.TierPro, 1000)
	f.orch.SetMaxSessionsPerUser(20)

	// starter ceiling is 50GB; 10 concurrent sessions wanting 10GB each
	// must admit exactly 5.
	ws, err := f.registry.CreateWorkspace("user-1", "starter")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.CreateSession(context.Background(), "user-1", models.TierPro, models.CreateSessionRequest{
				WorkspaceID: ws.ID,
				Storage:     models.StorageRequest{Volume: true, VolumeGB: 10},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, models.ErrStorageQuotaExceeded):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if succeeded != 5 || rejected != 5 {
		t.Errorf("got %d successes and %d rejections, want 5 and 5", succeeded, rejected)
	}

	ws, _ = f.registry.GetWorkspace(ws.ID)
	if ws.StorageGB != 50 {
		t.Errorf("final workspace StorageGB: got %d, want 50 (the ceiling)", ws.StorageGB)
	}
}

func TestEndToEndProSessionLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fund(t, "user-1", models.TierPro, 10)

	var boundNamespace, boundBucket string
	bound := make(chan struct{})
	f.orch.SetCredentialBinder(func(namespace, workspaceID, bucketName string) {
		boundNamespace = namespace
		boundBucket = bucketName
		close(bound)
	})

	sess, err := f.orch.CreateSession(context.Background(), "user-1", models.TierPro, models.CreateSessionRequest{
		TTLSeconds: 3600,
		Storage:    models.StorageRequest{Bucket: true, BucketGB: 10, Volume: true, VolumeGB: 20},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if sess.Status != models.StatusRunning {
		t.Errorf("status: got %s, want RUNNING", sess.Status)
	}
	if sess.ConnectURL == "" {
		t.Error("session has no connect endpoint")
	}
	if sess.Storage == nil || sess.Storage.StorageGB != 30 {
		t.Fatalf("storage allocation: got %+v, want 30GB", sess.Storage)
	}

	rec, ok := f.ledger.Record(sess.ID)
	if !ok || rec.Status != models.BillingActive {
		t.Fatalf("billing record: got %+v, want Active", rec)
	}
	proRate := billing.HourlyRate(models.TierPro)
	if rec.HourlyRate != proRate {
		t.Errorf("hourly rate: got %v, want %v", rec.HourlyRate, proRate)
	}

	select {
	case <-bound:
	case <-time.After(time.Second):
		t.Fatal("credential binder was not invoked")
	}
	if boundNamespace == "" || boundBucket != sess.Storage.BucketName {
		t.Errorf("binder got (%q, %q), want namespace and bucket %q", boundNamespace, boundBucket, sess.Storage.BucketName)
	}

	ws, _ := f.registry.GetWorkspace(sess.WorkspaceID)
	if ws.StorageGB != 30 {
		t.Errorf("workspace usage: got %d, want 30", ws.StorageGB)
	}

	// Half an hour of runtime.
	f.clock.Advance(1800 * time.Second)

	report, err := f.orch.DeleteSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", report.Warnings)
	}
	if report.Billing == nil {
		t.Fatal("delete report carries no billing record")
	}

	wantHours := 1800.0 / 3600.0
	wantCost := wantHours * proRate
	if report.Billing.TotalHours != wantHours {
		t.Errorf("TotalHours: got %v, want %v", report.Billing.TotalHours, wantHours)
	}
	if report.Billing.TotalCost != wantCost {
		t.Errorf("TotalCost: got %v, want %v", report.Billing.TotalCost, wantCost)
	}

	if got := f.ledger.GetBalance("user-1"); got != 10-wantCost {
		t.Errorf("balance: got %v, want %v", got, 10-wantCost)
	}

	ws, _ = f.registry.GetWorkspace(sess.WorkspaceID)
	if ws.StorageGB != 0 || len(ws.BucketNames) != 0 || len(ws.VolumeNames) != 0 {
		t.Errorf("workspace usage not restored: %dGB, %v, %v", ws.StorageGB, ws.BucketNames, ws.VolumeNames)
	}

	if _, err := f.orch.GetSession(sess.ID); !errors.Is(err, models.ErrSessionNotFound) {
		t.Errorf("session lookup after delete: got %v, want ErrSessionNotFound", err)
	}
}

func TestConcurrencySlotLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fund(t, "user-1", models.TierPro, 1000)
	f.orch.SetMaxSessionsPerUser(2)

	for i := 0; i < 2; i++ {
		if _, err := f.orch.CreateSession(context.Background(), "user-1", models.TierPro, models.CreateSessionRequest{}); err != nil {
			t.Fatalf("session %d: %v", i, err)
		}
	}
	if _, err := f.orch.CreateSession(context.Background(), "user-1", models.TierPro, models.CreateSessionRequest{}); err == nil {
		t.Error("third session should exceed the concurrency limit")
	}
}

func TestUnsupportedProvider(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fund(t, "user-1", models.TierPro, 100)

	_, err := f.orch.CreateSession(context.Background(), "user-1", models.TierPro, models.CreateSessionRequest{
		Provider: models.ProviderRemoteWorkstation,
	})
	if err == nil {
		t.Error("expected an error for an unregistered provider kind")
	}
}

func TestSessionTTLBounds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fund(t, "user-1", models.TierPro, 100)

	for _, ttl := range []int{30, 30000} {
		if _, err := f.orch.CreateSession(context.Background(), "user-1", models.TierPro, models.CreateSessionRequest{
			TTLSeconds: ttl,
		}); err == nil {
			t.Errorf("ttl %d should be rejected", ttl)
		}
	}
}
