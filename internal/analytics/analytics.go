// Package analytics derives the aggregate dashboard view from a set of
// scored transactions. Compute is pure: the same items and thresholds always
// yield the same view, and nothing here is persisted.
package analytics

import (
	"math"
	"sort"
	"strconv"

	"github.com/finomaly/finomaly/internal/risk"
	"github.com/finomaly/finomaly/internal/settings"
	"github.com/finomaly/finomaly/internal/txn"
)

// Item is one transaction as seen by the aggregator. Known is false when no
// source supplied a score; such items are counted as Unknown and excluded
// from every risk average.
type Item struct {
	ID       string
	Amount   float64
	Location string
	Score    int
	Known    bool
	Flagged  bool
}

// FromScored converts scoring results into aggregation items. Every scored
// transaction carries a score, so all items are Known.
func FromScored(results []txn.Scored) []Item {
	items := make([]Item, len(results))
	for i, s := range results {
		items[i] = Item{
			ID:       s.ID,
			Amount:   s.Amount,
			Location: s.Location,
			Score:    s.RiskScore,
			Known:    true,
			Flagged:  s.Anomalous(),
		}
	}
	return items
}

// TierCounts holds the number of items per tier.
type TierCounts struct {
	Safe    int `json:"safe"`
	Medium  int `json:"medium"`
	High    int `json:"high"`
	Unknown int `json:"unknown"`
}

// TierPercentages holds each tier's share of all items, in percent.
type TierPercentages struct {
	Safe   float64 `json:"safe"`
	Medium float64 `json:"medium"`
	High   float64 `json:"high"`
}

// LocationStat groups items by location.
type LocationStat struct {
	Location    string  `json:"location"`
	Count       int     `json:"count"`
	Scored      int     `json:"scored"`
	AverageRisk float64 `json:"averageRisk"`
	TotalAmount float64 `json:"totalAmount"`
}

// ChartPoint is one (index, risk, amount) pair, labelled "T1", "T2", ...
type ChartPoint struct {
	Label     string  `json:"transaction"`
	Index     int     `json:"index"`
	RiskScore int     `json:"riskScore"`
	Amount    float64 `json:"amount"`
	Known     bool    `json:"known"`
}

// Slice is one segment of the risk distribution chart.
type Slice struct {
	Name  risk.Tier `json:"name"`
	Value int       `json:"value"`
	Color string    `json:"color"`
}

// View is the full aggregate.
type View struct {
	Total          int             `json:"total"`
	Counts         TierCounts      `json:"counts"`
	Percentages    TierPercentages `json:"percentages"`
	Anomalies      int             `json:"anomalies"`
	AnomalyPercent float64         `json:"anomalyPercent"`
	Flagged        int             `json:"flagged"`
	TotalAmount    float64         `json:"totalAmount"`
	AverageAmount  float64         `json:"averageAmount"`
	TotalRisk      int             `json:"totalRisk"`
	AverageRisk    float64         `json:"averageRisk"`
	Locations      []LocationStat  `json:"locations"`
	Distribution   []Slice         `json:"distribution"`
	Chart          []ChartPoint    `json:"chart"`
}

// Compute aggregates items under t. Anomalies are Medium plus High.
// Averages over an empty set are 0. Locations are ordered by average risk,
// highest first, then by name.
func Compute(items []Item, t settings.Thresholds) View {
	v := View{
		Total:     len(items),
		Locations: []LocationStat{},
		Chart:     make([]ChartPoint, 0, len(items)),
	}

	type locAcc struct {
		count, scored, risk int
		amount              float64
	}
	locs := make(map[string]*locAcc)
	scored := 0

	for i, it := range items {
		tier := risk.ClassifyEffective(it.Score, it.Known, t)
		switch tier {
		case risk.TierSafe:
			v.Counts.Safe++
		case risk.TierMedium:
			v.Counts.Medium++
		case risk.TierHigh:
			v.Counts.High++
		default:
			v.Counts.Unknown++
		}
		if it.Flagged {
			v.Flagged++
		}

		v.TotalAmount += it.Amount

		loc := it.Location
		if loc == "" {
			loc = txn.UnknownLocation
		}
		acc, ok := locs[loc]
		if !ok {
			acc = &locAcc{}
			locs[loc] = acc
		}
		acc.count++
		acc.amount += it.Amount

		known := tier != risk.TierUnknown
		if known {
			scored++
			v.TotalRisk += it.Score
			acc.scored++
			acc.risk += it.Score
		}

		point := ChartPoint{
			Label:     "T" + strconv.Itoa(i+1),
			Index:     i,
			RiskScore: it.Score,
			Amount:    it.Amount,
			Known:     known,
		}
		if !known {
			point.RiskScore = risk.UnknownScore
		}
		v.Chart = append(v.Chart, point)
	}

	v.Anomalies = v.Counts.Medium + v.Counts.High
	v.AnomalyPercent = math.Round(percent(v.Anomalies, v.Total)*10) / 10
	v.Percentages = TierPercentages{
		Safe:   percent(v.Counts.Safe, v.Total),
		Medium: percent(v.Counts.Medium, v.Total),
		High:   percent(v.Counts.High, v.Total),
	}
	v.AverageAmount = mean(v.TotalAmount, v.Total)
	v.AverageRisk = mean(float64(v.TotalRisk), scored)

	for name, acc := range locs {
		v.Locations = append(v.Locations, LocationStat{
			Location:    name,
			Count:       acc.count,
			Scored:      acc.scored,
			AverageRisk: mean(float64(acc.risk), acc.scored),
			TotalAmount: acc.amount,
		})
	}
	sort.Slice(v.Locations, func(i, j int) bool {
		a, b := v.Locations[i], v.Locations[j]
		if a.AverageRisk != b.AverageRisk {
			return a.AverageRisk > b.AverageRisk
		}
		return a.Location < b.Location
	})

	v.Distribution = []Slice{
		{Name: risk.TierSafe, Value: v.Counts.Safe, Color: risk.TierSafe.Color()},
		{Name: risk.TierMedium, Value: v.Counts.Medium, Color: risk.TierMedium.Color()},
		{Name: risk.TierHigh, Value: v.Counts.High, Color: risk.TierHigh.Color()},
	}
	return v
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
