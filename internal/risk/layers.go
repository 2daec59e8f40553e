package risk

import (
	"math"
	"time"

	"dustsweep/internal/domain"
)

// Layer weights. They sum to 1.0.
const (
	WeightContractSafety     = 0.15
	WeightHoneypotRisk       = 0.20
	WeightLiquidityScore     = 0.10
	WeightRugPullRisk        = 0.15
	WeightOwnershipRisk      = 0.10
	WeightProxyRisk          = 0.05
	WeightMintRisk           = 0.05
	WeightTaxRisk            = 0.08
	WeightHolderDistribution = 0.05
	WeightAgeScore           = 0.02
	WeightVolumeScore        = 0.03
	WeightAuditStatus        = 0.02
)

const neutral = domain.NeutralLayer

// Total is round(Σ weight·layer) clamped to [0,100].
func Total(l domain.RiskLayers) int {
	sum := WeightContractSafety*float64(l.ContractSafety) +
		WeightHoneypotRisk*float64(l.HoneypotRisk) +
		WeightLiquidityScore*float64(l.LiquidityScore) +
		WeightRugPullRisk*float64(l.RugPullRisk) +
		WeightOwnershipRisk*float64(l.OwnershipRisk) +
		WeightProxyRisk*float64(l.ProxyRisk) +
		WeightMintRisk*float64(l.MintRisk) +
		WeightTaxRisk*float64(l.TaxRisk) +
		WeightHolderDistribution*float64(l.HolderDistribution) +
		WeightAgeScore*float64(l.AgeScore) +
		WeightVolumeScore*float64(l.VolumeScore) +
		WeightAuditStatus*float64(l.AuditStatus)
	return clamp(int(math.Round(sum)))
}

func clamp(v int) int {
	switch {
	case v < 0:
		return 0
	case v > domain.MaxLayerScore:
		return domain.MaxLayerScore
	}
	return v
}

// reports is the input of one scoring pass. A nil report means the provider
// failed and its layers take the neutral value.
type reports struct {
	security  *SecurityReport
	honeypot  *HoneypotReport
	liquidity *LiquidityReport
}

// honeypotSignal reports an explicit honeypot verdict from any provider.
func (r reports) honeypotSignal() bool {
	return (r.security != nil && r.security.Honeypot) || (r.honeypot != nil && r.honeypot.IsHoneypot)
}

// score computes the twelve layers and descriptive flags.
func (r reports) score(now time.Time) (domain.RiskLayers, []string) {
	var flags []string
	add := func(cond bool, f string) {
		if cond {
			flags = append(flags, f)
		}
	}

	l := domain.RiskLayers{
		ContractSafety:     r.contractSafety(),
		HoneypotRisk:       r.honeypotRisk(),
		LiquidityScore:     r.liquidityScore(),
		RugPullRisk:        r.rugPullRisk(),
		OwnershipRisk:      r.ownershipRisk(),
		ProxyRisk:          r.securityBool(func(s *SecurityReport) bool { return s.Proxy }),
		MintRisk:           r.securityBool(func(s *SecurityReport) bool { return s.Mintable }),
		TaxRisk:            r.taxRisk(),
		HolderDistribution: r.holderDistribution(),
		AgeScore:           r.ageScore(now),
		VolumeScore:        r.volumeScore(),
		AuditStatus:        r.auditStatus(),
	}

	add(r.honeypotSignal(), domain.FlagHoneypot)
	if s := r.security; s != nil {
		add(!s.OpenSource, "not_open_source")
		add(s.Proxy, "proxy_contract")
		add(s.Mintable, "mintable")
		add(s.HiddenOwner, "hidden_owner")
		add(s.SelfDestruct, "selfdestruct")
		add(s.Blacklist, "blacklist")
	}
	if h := r.honeypot; h != nil {
		add(!h.SimulationSuccess, "simulation_failed")
	}
	add((r.security != nil || r.honeypot != nil) && l.TaxRisk >= 40, "high_tax")
	add(r.liquidity != nil && l.LiquidityScore >= 80, "low_liquidity")
	return l, flags
}

func (r reports) contractSafety() int {
	s := r.security
	if s == nil {
		return neutral
	}
	v := 0
	if !s.OpenSource {
		v += 50
	}
	if s.SelfDestruct {
		v += 30
	}
	if s.Pausable {
		v += 20
	}
	if s.Blacklist {
		v += 20
	}
	return clamp(v)
}

func (r reports) honeypotRisk() int {
	switch {
	case r.honeypotSignal():
		return 100
	case r.honeypot != nil && !r.honeypot.SimulationSuccess:
		return 60
	case r.honeypot == nil && r.security == nil:
		return neutral
	}
	return 0
}

func (r reports) liquidityScore() int {
	if r.liquidity == nil {
		return neutral
	}
	usd := r.liquidity.LiquidityUSD
	switch {
	case usd >= 100_000:
		return 0
	case usd >= 10_000:
		return 20
	case usd >= 1_000:
		return 50
	case usd > 0:
		return 80
	}
	return 100
}

func (r reports) rugPullRisk() int {
	s := r.security
	if s == nil {
		return neutral
	}
	v := (1-s.LPLockedShare)*60 + math.Min(s.CreatorShare*100, 40)
	if s.CanTakeBackOwnership {
		v += 20
	}
	return clamp(int(math.Round(v)))
}

func (r reports) ownershipRisk() int {
	s := r.security
	if s == nil {
		return neutral
	}
	v := 20
	if s.OwnerRenounced {
		v = 0
	}
	if s.HiddenOwner {
		v += 50
	}
	if s.CanTakeBackOwnership {
		v += 40
	}
	if s.OwnerChangeBalance {
		v += 40
	}
	return clamp(v)
}

func (r reports) securityBool(get func(*SecurityReport) bool) int {
	if r.security == nil {
		return neutral
	}
	if get(r.security) {
		return 80
	}
	return 0
}

func (r reports) taxRisk() int {
	if r.security == nil && r.honeypot == nil {
		return neutral
	}
	var worst float64
	if s := r.security; s != nil {
		worst = math.Max(worst, math.Max(s.BuyTax, s.SellTax))
	}
	if h := r.honeypot; h != nil {
		worst = math.Max(worst, math.Max(h.BuyTax, h.SellTax))
	}
	if worst >= 0.5 {
		return 100
	}
	return clamp(int(math.Round(worst * 100 * 2)))
}

func (r reports) holderDistribution() int {
	s := r.security
	if s == nil {
		return neutral
	}
	v := int(math.Round(s.Top10Share * 100))
	if s.HolderCount < 50 && v < 70 {
		v = 70
	}
	return clamp(v)
}

func (r reports) ageScore(now time.Time) int {
	var created time.Time
	if r.liquidity != nil {
		created = r.liquidity.PairCreatedAt
	}
	if created.IsZero() && r.honeypot != nil {
		created = r.honeypot.PairCreatedAt
	}
	if created.IsZero() {
		return neutral
	}
	age := now.Sub(created)
	const day = 24 * time.Hour
	switch {
	case age < day:
		return 100
	case age < 7*day:
		return 70
	case age < 30*day:
		return 40
	case age < 180*day:
		return 15
	}
	return 0
}

func (r reports) volumeScore() int {
	if r.liquidity == nil {
		return neutral
	}
	vol := r.liquidity.VolumeUSD24h
	switch {
	case vol <= 0:
		return 100
	case vol < 1_000:
		return 70
	case vol < 10_000:
		return 40
	case vol < 100_000:
		return 15
	}
	return 0
}

func (r reports) auditStatus() int {
	s := r.security
	switch {
	case s == nil:
		return neutral
	case s.TrustListed:
		return 0
	case s.OpenSource:
		return 40
	}
	return 100
}
