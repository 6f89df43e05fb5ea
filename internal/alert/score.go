package alert

import (
	"math"
	"time"
)

// Weights are percentages applied to each sub-score. They normally sum to 100.
type Weights struct {
	Severity    float64 `yaml:"severity" json:"severity"`
	Freshness   float64 `yaml:"freshness" json:"freshness"`
	Asset       float64 `yaml:"asset" json:"asset"`
	ThreatIntel float64 `yaml:"threat_intel" json:"threat_intel"`
	Frequency   float64 `yaml:"frequency" json:"frequency"`
}

// DefaultWeights favour severity, then freshness, asset value and intel.
var DefaultWeights = Weights{Severity: 30, Freshness: 20, Asset: 20, ThreatIntel: 20, Frequency: 10}

func (w Weights) zero() bool {
	return w.Severity == 0 && w.Freshness == 0 && w.Asset == 0 && w.ThreatIntel == 0 && w.Frequency == 0
}

// ScoringContext holds the known value of assets and threat-intel scores of
// indicators, each on a 0–100 scale.
type ScoringContext struct {
	AssetValues map[string]float64 `yaml:"asset_values" json:"asset_values"`
	ThreatIntel map[string]float64 `yaml:"threat_intel" json:"threat_intel"`
}

// Breakdown is a score with its sub-scores.
type Breakdown struct {
	Severity    float64 `json:"severity"`
	Freshness   float64 `json:"freshness"`
	Asset       float64 `json:"asset"`
	ThreatIntel float64 `json:"threat_intel"`
	Frequency   float64 `json:"frequency"`
	Total       int     `json:"total"`
}

const defaultAssetValue = 50

var assetFields = []string{"host", "hostname", "asset", "asset_id"}
var indicatorFields = []string{"indicator", "ioc", "hash", "source_ip", "domain", "url"}

// Score computes a's priority in [0,100]. frequency is how many times its
// fingerprint was seen in the frequency window, this occurrence included.
func Score(a *Alert, w Weights, sc ScoringContext, frequency int, now time.Time) Breakdown {
	if w.zero() {
		w = DefaultWeights
	}
	b := Breakdown{
		Severity:    severityScore(a.Severity),
		Freshness:   freshnessScore(now.Sub(a.Timestamp)),
		Asset:       assetScore(a, sc.AssetValues),
		ThreatIntel: intelScore(a, sc.ThreatIntel),
		Frequency:   frequencyScore(frequency),
	}
	total := (b.Severity*w.Severity +
		b.Freshness*w.Freshness +
		b.Asset*w.Asset +
		b.ThreatIntel*w.ThreatIntel +
		b.Frequency*w.Frequency) / 100
	b.Total = int(math.Round(math.Max(0, math.Min(100, total))))
	return b
}

func severityScore(s Severity) float64 {
	// rank 1 (critical) → 100 … rank 5 (info) → 20
	return float64(6-s.Rank()) * 20
}

func freshnessScore(age time.Duration) float64 {
	switch {
	case age < 5*time.Minute:
		return 100
	case age < 15*time.Minute:
		return 80
	case age < time.Hour:
		return 60
	case age < 6*time.Hour:
		return 40
	case age < 24*time.Hour:
		return 20
	}
	return 0
}

func references(a *Alert, explicit []string, fields []string) []string {
	out := append([]string(nil), explicit...)
	for _, f := range fields {
		v, ok := a.Lookup(f)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				out = append(out, t)
			}
		case []interface{}:
			for _, item := range t {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func assetScore(a *Alert, values map[string]float64) float64 {
	best, found := 0.0, false
	for _, ref := range references(a, a.Assets, assetFields) {
		if v, ok := values[ref]; ok && (!found || v > best) {
			best, found = v, true
		}
	}
	if !found {
		return defaultAssetValue
	}
	return clamp(best)
}

func intelScore(a *Alert, intel map[string]float64) float64 {
	best := 0.0
	for _, ref := range references(a, a.Indicators, indicatorFields) {
		if v, ok := intel[ref]; ok && v > best {
			best = v
		}
	}
	return clamp(best)
}

func frequencyScore(n int) float64 {
	switch {
	case n <= 1:
		return 100
	case n <= 5:
		return 80
	case n <= 10:
		return 60
	case n <= 50:
		return 40
	case n <= 100:
		return 20
	}
	return 10
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
