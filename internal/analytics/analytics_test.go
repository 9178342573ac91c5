package analytics

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finomaly/finomaly/internal/risk"
	"github.com/finomaly/finomaly/internal/settings"
	"github.com/finomaly/finomaly/internal/txn"
)

func TestCompute_Empty(t *testing.T) {
	v := Compute(nil, settings.Defaults())

	assert.Equal(t, 0, v.Total)
	assert.Equal(t, 0.0, v.AverageRisk)
	assert.Equal(t, 0.0, v.AverageAmount)
	assert.Equal(t, 0.0, v.TotalAmount)
	assert.Equal(t, 0.0, v.AnomalyPercent)
	assert.Equal(t, TierPercentages{}, v.Percentages)
	assert.False(t, math.IsNaN(v.AverageRisk))
	assert.NotNil(t, v.Locations)
	assert.NotNil(t, v.Chart)

	// Must encode: NaN would make json.Marshal fail.
	_, err := json.Marshal(v)
	require.NoError(t, err)
}

func TestCompute_TiersAndTotals(t *testing.T) {
	items := []Item{
		{ID: "TXN001", Amount: 12500, Location: "New York, NY", Score: 20, Known: true},
		{ID: "TXN002", Amount: 50000, Location: "Los Angeles, CA", Score: 50, Known: true},
		{ID: "TXN003", Amount: 75000, Location: "Miami, FL", Score: 65, Known: true, Flagged: true},
		{ID: "TXN004", Amount: 2500, Location: "Miami, FL", Score: 95, Known: true, Flagged: true},
	}
	v := Compute(items, settings.Defaults())

	assert.Equal(t, TierCounts{Safe: 2, Medium: 1, High: 1}, v.Counts)
	assert.Equal(t, 2, v.Anomalies)
	assert.Equal(t, 50.0, v.AnomalyPercent)
	assert.Equal(t, 2, v.Flagged)
	assert.Equal(t, 140000.0, v.TotalAmount)
	assert.Equal(t, 35000.0, v.AverageAmount)
	assert.Equal(t, 230, v.TotalRisk)
	assert.Equal(t, 57.5, v.AverageRisk)
	assert.Equal(t, TierPercentages{Safe: 50, Medium: 25, High: 25}, v.Percentages)

	require.Len(t, v.Locations, 3)
	assert.Equal(t, "Miami, FL", v.Locations[0].Location)
	assert.Equal(t, 2, v.Locations[0].Count)
	assert.Equal(t, 80.0, v.Locations[0].AverageRisk)
	assert.Equal(t, 77500.0, v.Locations[0].TotalAmount)

	require.Len(t, v.Chart, 4)
	assert.Equal(t, ChartPoint{Label: "T1", Index: 0, RiskScore: 20, Amount: 12500, Known: true}, v.Chart[0])
	assert.Equal(t, "T4", v.Chart[3].Label)

	require.Len(t, v.Distribution, 3)
	assert.Equal(t, Slice{Name: risk.TierSafe, Value: 2, Color: "#10b981"}, v.Distribution[0])
}

func TestCompute_UnknownIsSeparate(t *testing.T) {
	items := []Item{
		{ID: "a", Score: 90, Known: true},
		{ID: "b", Score: risk.UnknownScore, Known: true},
		{ID: "c", Known: false},
	}
	v := Compute(items, settings.Defaults())

	assert.Equal(t, TierCounts{High: 1, Unknown: 2}, v.Counts)
	assert.Equal(t, 1, v.Anomalies)
	assert.Equal(t, 33.3, v.AnomalyPercent)
	// Average over known scores only.
	assert.Equal(t, 90.0, v.AverageRisk)

	require.Len(t, v.Locations, 1)
	assert.Equal(t, txn.UnknownLocation, v.Locations[0].Location)
	assert.Equal(t, 3, v.Locations[0].Count)
	assert.Equal(t, 1, v.Locations[0].Scored)

	assert.False(t, v.Chart[2].Known)
	assert.Equal(t, risk.UnknownScore, v.Chart[2].RiskScore)
}

func TestCompute_ThresholdsChangeTiers(t *testing.T) {
	items := []Item{{Score: 60, Known: true}}

	v := Compute(items, settings.Defaults())
	assert.Equal(t, 1, v.Counts.Medium)

	strict := settings.Defaults()
	strict.SafeThreshold, strict.MediumThreshold = 10, 40
	v = Compute(items, strict)
	assert.Equal(t, 1, v.Counts.High)
}

func TestFromScored(t *testing.T) {
	yes := true
	items := FromScored([]txn.Scored{
		{Normalized: txn.Normalized{ID: "x", Amount: 10, Location: "Paris"}, RiskScore: 70, IsAnomaly: &yes},
		{Normalized: txn.Normalized{ID: "y"}, RiskScore: 0},
	})
	require.Len(t, items, 2)
	assert.Equal(t, Item{ID: "x", Amount: 10, Location: "Paris", Score: 70, Known: true, Flagged: true}, items[0])
	assert.True(t, items[1].Known)
	assert.False(t, items[1].Flagged)
}
