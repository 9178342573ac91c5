package dashboard

import (
	"sync"

	"github.com/finomaly/finomaly/internal/live"
	"github.com/finomaly/finomaly/internal/realtime"
	"github.com/finomaly/finomaly/internal/risk"
	"github.com/finomaly/finomaly/internal/scoring"
)

// Notifier turns engine and analyzer updates into pushed events. Each live
// snapshot is pushed whole; alerts are pushed once per transaction the first
// time it reaches a notifiable tier.
type Notifier struct {
	events Events

	mu       sync.Mutex
	notified map[string]risk.Tier
	external []func(realtime.AlertData)
}

// NewNotifier creates a notifier publishing to events.
func NewNotifier(events Events) *Notifier {
	return &Notifier{events: events, notified: make(map[string]risk.Tier)}
}

// OnExternalAlert registers fn to receive fresh alerts while external
// alerting is enabled in the thresholds.
func (n *Notifier) OnExternalAlert(fn func(realtime.AlertData)) {
	n.mu.Lock()
	n.external = append(n.external, fn)
	n.mu.Unlock()
}

// OnSnapshot is registered with live.Engine.OnUpdate.
func (n *Notifier) OnSnapshot(s live.Snapshot) {
	n.events.Publish(realtime.EventDashboard, s)

	th := s.Thresholds
	if !th.NotificationsEnabled {
		return
	}

	n.mu.Lock()
	var fresh []live.Item
	seen := make(map[string]bool, len(s.Transactions))
	for _, it := range s.Transactions {
		seen[it.ID] = true
		if !notifiable(it.Tier, th.HighRiskOnly) {
			delete(n.notified, it.ID)
			continue
		}
		if prev, ok := n.notified[it.ID]; ok && prev == it.Tier {
			continue
		}
		n.notified[it.ID] = it.Tier
		fresh = append(fresh, it)
	}
	for id := range n.notified {
		if !seen[id] {
			delete(n.notified, id)
		}
	}
	var external []func(realtime.AlertData)
	if th.EmailAlertsEnabled {
		external = append(external, n.external...)
	}
	n.mu.Unlock()

	for _, it := range fresh {
		alert := realtime.AlertData{
			TransactionID: it.ID,
			Account:       it.Account,
			Amount:        it.Amount,
			RiskScore:     it.RiskScore,
			Tier:          string(it.Tier),
			Source:        string(it.ScoreSource),
		}
		n.events.Publish(realtime.EventAlert, alert)
		for _, fn := range external {
			fn(alert)
		}
	}
}

// OnAnalysis is registered with scoring.Analyzer.OnComplete.
func (n *Notifier) OnAnalysis(res scoring.Result) {
	flagged := 0
	for _, s := range res.Results {
		if s.Anomalous() {
			flagged++
		}
	}
	n.events.Publish(realtime.EventAnalysis, map[string]any{
		"runId":      res.RunID,
		"mode":       res.Mode,
		"count":      len(res.Results),
		"flagged":    flagged,
		"error":      res.Error,
		"finishedAt": res.FinishedAt,
	})
}

func notifiable(t risk.Tier, highOnly bool) bool {
	if highOnly {
		return t == risk.TierHigh
	}
	return t.Anomalous()
}
