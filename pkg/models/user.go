package models

import (
	"strings"
	"time"
)

// Tier is a user's subscription class. It determines entitlements and the
// hourly billing rate and is immutable once assigned except by explicit
// admin action.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
	TierAdmin      Tier = "ADMIN"
)

// ParseTier normalizes a tier string. Unknown or empty values fall back to
// the lowest tier.
func ParseTier(s string) Tier {
	switch Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	case TierAdmin:
		return TierAdmin
	default:
		return TierFree
	}
}

// User represents a tenant account
type User struct {
	ID           string    `json:"id"`
	Tier         Tier      `json:"tier"`
	WorkspaceIDs []string  `json:"workspaceIds"`
	CreatedAt    time.Time `json:"createdAt"`
}
