package models

import "errors"

// Sentinel errors for the orchestration core. Callers match with errors.Is;
// wrapped messages carry the human-readable detail (balance vs. estimate,
// used vs. ceiling) so clients can self-correct.
var (
	ErrInsufficientCredits        = errors.New("insufficient credits")
	ErrStorageQuotaExceeded       = errors.New("storage quota exceeded")
	ErrEntitlementDenied          = errors.New("entitlement denied")
	ErrProviderProvisioningFailed = errors.New("provider provisioning failed")
	ErrProviderTimeout            = errors.New("provider timeout")
	ErrSessionNotFound            = errors.New("session not found")
	ErrInvalidStorageRequest      = errors.New("invalid storage request")
	ErrUserNotFound               = errors.New("user not found")
	ErrWorkspaceNotFound          = errors.New("workspace not found")
	ErrBillingAlreadyActive       = errors.New("billing already active")
	ErrJobNotFound                = errors.New("job not found")
)
