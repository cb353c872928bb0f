package provider

import (
	"context"
	"time"

	"github.com/sessionbroker/sessionbroker/pkg/models"
)

// CreateSpec is everything an adapter needs to provision compute for one
// session. Bucket and volume names come from the storage allocator and are
// handed to the backend as configuration; the adapter does not allocate
// storage itself.
type CreateSpec struct {
	SessionID   string
	Namespace   string
	Owner       string
	WorkspaceID string
	Image       string
	Package     models.ResourcePackage
	BucketName  string
	VolumeName  string
	StorageGB   int
	Env         map[string]string
}

// Status is a backend's view of provisioned compute
type Status struct {
	State   string `json:"state"`
	Running bool   `json:"running"`
}

// Adapter is the narrow contract one external compute backend implements.
// The orchestrator holds only this interface and is polymorphic over it;
// handles are opaque and passed back unchanged.
type Adapter interface {
	Create(ctx context.Context, spec CreateSpec) (*models.ProviderHandle, error)
	Get(ctx context.Context, handle *models.ProviderHandle) (*Status, error)
	Delete(ctx context.Context, handle *models.ProviderHandle) error
	Execute(ctx context.Context, handle *models.ProviderHandle, command string, timeout time.Duration, async bool) (*models.ExecResult, error)
	JobStatus(ctx context.Context, jobID string) (*models.JobStatus, error)
}
