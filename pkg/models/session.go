package models

import "time"

// SessionStatus represents the current state of a compute session
type SessionStatus string

const (
	StatusRequested        SessionStatus = "REQUESTED"
	StatusAdmissionChecked SessionStatus = "ADMISSION_CHECKED"
	StatusStorageAllocated SessionStatus = "STORAGE_ALLOCATED"
	StatusProvisioning     SessionStatus = "PROVISIONING"
	StatusRunning          SessionStatus = "RUNNING"
	StatusDeleting         SessionStatus = "DELETING"
	StatusBillingFinalized SessionStatus = "BILLING_FINALIZED"
	StatusTerminated       SessionStatus = "TERMINATED"
	StatusFailed           SessionStatus = "FAILED"
)

// ProviderKind selects the backend a session runs on
type ProviderKind string

const (
	ProviderClusterPod          ProviderKind = "cluster-pod"
	ProviderServerlessContainer ProviderKind = "serverless-container"
	ProviderRemoteWorkstation   ProviderKind = "remote-workstation"
)

// ProviderHandle is the provider-specific identity of provisioned compute.
// It is produced by a provider adapter and passed back unchanged on
// execute/delete; the orchestrator never interprets Extra.
type ProviderHandle struct {
	Provider   ProviderKind      `json:"provider"`
	Namespace  string            `json:"namespace"`
	RefID      string            `json:"refId"`
	ConnectURL string            `json:"connectUrl,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Session represents one ephemeral compute environment leased to a tenant
type Session struct {
	ID          string             `json:"id"`
	Provider    ProviderKind       `json:"provider"`
	WorkspaceID string             `json:"workspaceId"`
	OwnerUserID string             `json:"ownerUserId"`
	Status      SessionStatus      `json:"status"`
	Image       string             `json:"image,omitempty"`
	Package     string             `json:"package"`
	BillingTier Tier               `json:"billingTier"`
	CreatedAt   time.Time          `json:"createdAt"`
	ExpiresAt   time.Time          `json:"expiresAt"`
	TTLSeconds  int                `json:"ttlSeconds"`
	ConnectURL  string             `json:"connectUrl,omitempty"`
	Storage     *StorageAllocation `json:"storage,omitempty"`
	Handle      *ProviderHandle    `json:"-"`
}

// CreateSessionRequest is the payload for creating a new session
type CreateSessionRequest struct {
	Provider    ProviderKind      `json:"provider,omitempty"`
	WorkspaceID string            `json:"workspaceId,omitempty"`
	Package     string            `json:"package,omitempty"`
	Image       string            `json:"image,omitempty"`
	TTLSeconds  int               `json:"ttlSeconds,omitempty"`
	Storage     StorageRequest    `json:"storage,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// ExecRequest asks a running session to execute a command
type ExecRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	Async          bool   `json:"async,omitempty"`
}

// ExecResult is the outcome of a synchronous execute, or the job handle of
// an asynchronous one.
type ExecResult struct {
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exitCode"`
	JobID    string `json:"jobId,omitempty"`
}

// JobState tracks an asynchronous execute
type JobState string

const (
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
)

// JobStatus is the observable state of an asynchronous execute
type JobStatus struct {
	JobID    string   `json:"jobId"`
	State    JobState `json:"state"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	ExitCode int      `json:"exitCode"`
}

// DeleteReport is the outcome of a session deletion. The session is gone
// from the tenant's perspective regardless of warnings; warnings carry
// backend cleanup failures for operational visibility.
type DeleteReport struct {
	SessionID   string         `json:"sessionId"`
	AlreadyGone bool           `json:"alreadyGone,omitempty"`
	Billing     *BillingRecord `json:"billing,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
}
