package entitlement

import "github.com/sessionbroker/sessionbroker/pkg/models"

// TierPolicy defines what a subscription tier is entitled to. Packages are
// ordered; the first entry is the default for auto-created workspaces.
type TierPolicy struct {
	MaxWorkspaces int
	Packages      []string
	Images        []string
}

var tierPolicies = map[models.Tier]TierPolicy{
	models.TierFree: {
		MaxWorkspaces: 1,
		Packages:      []string{"starter"},
		Images:        []string{"base"},
	},
	models.TierPro: {
		MaxWorkspaces: 5,
		Packages:      []string{"starter", "standard", "performance"},
		Images:        []string{"base", "full"},
	},
	models.TierEnterprise: {
		MaxWorkspaces: 25,
		Packages:      []string{"starter", "standard", "performance", "gpu-a10"},
		Images:        []string{"base", "full", "gpu"},
	},
	models.TierAdmin: {
		MaxWorkspaces: 100,
		Packages:      []string{"starter", "standard", "performance", "gpu-a10"},
		Images:        []string{"base", "full", "gpu"},
	},
}

var packages = map[string]models.ResourcePackage{
	"starter":     {Name: "starter", CPUs: 1, MemoryGB: 2, StorageCeilingGB: 50},
	"standard":    {Name: "standard", CPUs: 2, MemoryGB: 4, StorageCeilingGB: 200},
	"performance": {Name: "performance", CPUs: 4, MemoryGB: 8, StorageCeilingGB: 500},
	"gpu-a10":     {Name: "gpu-a10", CPUs: 8, MemoryGB: 32, GPUs: 1, StorageCeilingGB: 1000},
}

// PackageByName looks up a resource package definition.
func PackageByName(name string) (models.ResourcePackage, bool) {
	pkg, ok := packages[name]
	return pkg, ok
}

// DefaultPackage returns the first package allowed by a tier.
func DefaultPackage(tier models.Tier) string {
	policy, ok := tierPolicies[tier]
	if !ok || len(policy.Packages) == 0 {
		return "starter"
	}
	return policy.Packages[0]
}

func policyFor(tier models.Tier) TierPolicy {
	policy, ok := tierPolicies[tier]
	if !ok {
		return tierPolicies[models.TierFree]
	}
	return policy
}
