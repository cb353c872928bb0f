package models

import "time"

// StorageRequest describes the storage a session wants attached. A resource
// type is requested by its flag; a zero size is valid (the external system's
// minimum applies).
type StorageRequest struct {
	Bucket   bool `json:"bucket,omitempty"`
	BucketGB int  `json:"bucketGb,omitempty"`
	Volume   bool `json:"volume,omitempty"`
	VolumeGB int  `json:"volumeGb,omitempty"`
}

// Empty reports whether the request asks for no storage at all.
func (r StorageRequest) Empty() bool {
	return !r.Bucket && !r.Volume
}

// TotalGB is the sum of the requested sizes.
func (r StorageRequest) TotalGB() int {
	total := 0
	if r.Bucket {
		total += r.BucketGB
	}
	if r.Volume {
		total += r.VolumeGB
	}
	return total
}

// StorageAllocation records storage reserved against a workspace's quota on
// behalf of one session. It is released exactly once, either on session
// deletion or on provisioning rollback.
type StorageAllocation struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	UserID      string    `json:"userId"`
	SessionID   string    `json:"sessionId"`
	BucketName  string    `json:"bucketName,omitempty"`
	VolumeName  string    `json:"volumeName,omitempty"`
	StorageGB   int       `json:"storageGb"`
	AllocatedAt time.Time `json:"allocatedAt"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}
