package domain

import (
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Classification buckets a total risk score.
type Classification string

// Risk classifications.
const (
	ClassificationSafe   Classification = "safe"
	ClassificationMedium Classification = "medium"
	ClassificationHigh   Classification = "high"
)

// Classification thresholds and exclusion cutoff.
const (
	SafeBelow       = 20
	MediumBelow     = 70
	ExcludeAbove    = 75
	NeutralLayer    = 50
	MaxLayerScore   = 100
	FlagHoneypot    = "honeypot"
	FlagErrorScored = "error_calculating"
)

// Classify maps a total score to its classification.
func Classify(total int) Classification {
	switch {
	case total < SafeBelow:
		return ClassificationSafe
	case total < MediumBelow:
		return ClassificationMedium
	default:
		return ClassificationHigh
	}
}

// RiskLayers holds the twelve per-layer sub-scores, each in [0,100].
type RiskLayers struct {
	ContractSafety     int `json:"contractSafety"`
	HoneypotRisk       int `json:"honeypotRisk"`
	LiquidityScore     int `json:"liquidityScore"`
	RugPullRisk        int `json:"rugPullRisk"`
	OwnershipRisk      int `json:"ownershipRisk"`
	ProxyRisk          int `json:"proxyRisk"`
	MintRisk           int `json:"mintRisk"`
	TaxRisk            int `json:"taxRisk"`
	HolderDistribution int `json:"holderDistribution"`
	AgeScore           int `json:"ageScore"`
	VolumeScore        int `json:"volumeScore"`
	AuditStatus        int `json:"auditStatus"`
}

// RiskScore is the immutable result of one assessment.
type RiskScore struct {
	Token          common.Address `json:"token"`
	Total          int            `json:"total"`
	Classification Classification `json:"classification"`
	Layers         RiskLayers     `json:"layers"`
	Flags          []string       `json:"flags"` // sorted, unique
	Excluded       bool           `json:"excluded"`
	AssessedAt     time.Time      `json:"assessedAt"`
}

// HasFlag reports whether flag is set.
func (r RiskScore) HasFlag(flag string) bool {
	_, found := slices.BinarySearch(r.Flags, flag)
	return found
}

// Fallback reports whether the score is the fail-open placeholder
// produced when the assessment itself could not run.
func (r RiskScore) Fallback() bool {
	return r.HasFlag(FlagErrorScored)
}

// SortedFlags returns flags sorted and de-duplicated.
func SortedFlags(flags []string) []string {
	out := slices.Clone(flags)
	slices.Sort(out)
	return slices.Compact(out)
}
