package models

import "time"

// WorkspaceStatus represents the current state of a workspace
type WorkspaceStatus string

const (
	WorkspaceActive    WorkspaceStatus = "ACTIVE"
	WorkspaceSuspended WorkspaceStatus = "SUSPENDED"
	WorkspaceDeleted   WorkspaceStatus = "DELETED"
)

// ResourcePackage is a named bundle of compute and storage defaults a
// workspace's sessions may request.
type ResourcePackage struct {
	Name             string `json:"name"`
	CPUs             int    `json:"cpus"`
	MemoryGB         int    `json:"memoryGb"`
	GPUs             int    `json:"gpus"`
	StorageCeilingGB int    `json:"storageCeilingGb"`
}

// Workspace is a tenant-owned grouping of sessions sharing a resource
// package and a storage quota. Usage counters are mutated only by the
// storage allocator.
type Workspace struct {
	ID          string          `json:"id"`
	OwnerUserID string          `json:"ownerUserId"`
	Package     string          `json:"package"`
	Status      WorkspaceStatus `json:"status"`
	BucketNames []string        `json:"bucketNames"`
	VolumeNames []string        `json:"volumeNames"`
	StorageGB   int             `json:"storageGb"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// CreateWorkspaceRequest is the payload for creating a workspace
type CreateWorkspaceRequest struct {
	Package string `json:"package,omitempty"`
}
