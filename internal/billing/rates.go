package billing

import "github.com/sessionbroker/sessionbroker/pkg/models"

// Hourly rates are flat per tier, independent of the session's resource
// package. Enterprise is the Pro rate with a volume discount; Admin sessions
// are never billed.
const (
	freeHourlyRate     = 0.025
	proHourlyRate      = 0.075
	enterpriseDiscount = 0.8
)

// HourlyRate resolves the billing rate for a tier. Unknown tiers bill at the
// lowest paid rate rather than running free.
func HourlyRate(tier models.Tier) float64 {
	switch tier {
	case models.TierFree:
		return freeHourlyRate
	case models.TierPro:
		return proHourlyRate
	case models.TierEnterprise:
		return proHourlyRate * enterpriseDiscount
	case models.TierAdmin:
		return 0
	default:
		return freeHourlyRate
	}
}
