package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScoreWithinBounds(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	ages := []time.Duration{0, 10 * time.Minute, 3 * time.Hour, 48 * time.Hour, -time.Hour}
	freqs := []int{0, 1, 7, 1000}
	weights := []Weights{
		DefaultWeights,
		{Severity: 100},
		{Severity: 90, Freshness: 90, Asset: 90, ThreatIntel: 90, Frequency: 90},
	}
	sc := ScoringContext{
		AssetValues: map[string]float64{"db-1": 250},
		ThreatIntel: map[string]float64{"evil.example": -40},
	}
	for _, sev := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo} {
		for _, age := range ages {
			for _, f := range freqs {
				for _, w := range weights {
					a := &Alert{
						Severity:   sev,
						Timestamp:  now.Add(-age),
						Assets:     []string{"db-1"},
						Indicators: []string{"evil.example"},
					}
					got := Score(a, w, sc, f, now).Total
					assert.GreaterOrEqual(t, got, 0)
					assert.LessOrEqual(t, got, 100)
				}
			}
		}
	}
}

func TestScoreComponents(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	sc := ScoringContext{
		AssetValues: map[string]float64{"dc-01": 95, "kiosk": 10},
		ThreatIntel: map[string]float64{"198.51.100.7": 80},
	}
	a := &Alert{
		Severity:  SeverityHigh,
		Timestamp: now.Add(-20 * time.Minute),
		Assets:    []string{"kiosk"},
		Data:      map[string]interface{}{"host": "dc-01", "source_ip": "198.51.100.7"},
	}

	b := Score(a, DefaultWeights, sc, 3, now)
	assert.Equal(t, 80.0, b.Severity)
	assert.Equal(t, 60.0, b.Freshness)
	assert.Equal(t, 95.0, b.Asset, "max known asset value")
	assert.Equal(t, 80.0, b.ThreatIntel)
	assert.Equal(t, 80.0, b.Frequency)
	// 80*.3 + 60*.2 + 95*.2 + 80*.2 + 80*.1 = 24+12+19+16+8
	assert.Equal(t, 79, b.Total)
}

func TestScoreSeverityOrdering(t *testing.T) {
	t.Parallel()

	now := time.Now()
	prev := 101
	for _, sev := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo} {
		got := Score(&Alert{Severity: sev, Timestamp: now}, DefaultWeights, ScoringContext{}, 1, now).Total
		assert.Less(t, got, prev, sev)
		prev = got
	}
}

func TestFrequencyLowersScore(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := &Alert{Severity: SeverityMedium, Timestamp: now}
	first := Score(a, DefaultWeights, ScoringContext{}, 1, now).Total
	noisy := Score(a, DefaultWeights, ScoringContext{}, 500, now).Total
	assert.Greater(t, first, noisy)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := &Alert{Type: "malware", Source: "edr", Severity: SeverityHigh, Data: map[string]interface{}{"host": "ws-1", "file": "a.exe"}}
	b := &Alert{Type: "malware", Source: "edr", Severity: SeverityHigh, Data: map[string]interface{}{"host": "ws-1", "file": "b.exe"}}
	c := &Alert{Type: "malware", Source: "edr", Severity: SeverityHigh, Data: map[string]interface{}{"host": "ws-2"}}

	fields, data := DefaultFingerprintFields, DefaultFingerprintDataFields
	assert.Equal(t, Fingerprint(a, fields, data), Fingerprint(b, fields, data), "unlisted fields are ignored")
	assert.NotEqual(t, Fingerprint(a, fields, data), Fingerprint(c, fields, data))
	assert.NotEqual(t, Fingerprint(a, fields, data), Fingerprint(a, fields, []string{"file"}))
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 1.0, Similarity("Malware", "malware"))
	assert.InDelta(t, 0.857, Similarity("ws-0042", "ws-0043"), 0.001)
	assert.Equal(t, 0.0, Similarity("abc", "xyz"))

	assert.InDelta(t, 0.4, Jaccard(tokens("failed login for admin"), tokens("failed login: root")), 0.001)
	assert.Equal(t, 0.0, Jaccard(tokens(""), tokens("")))
}
