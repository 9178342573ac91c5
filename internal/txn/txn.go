// Package txn defines the transaction records that flow through the
// monitor: free-form raw records, normalized transactions, scored
// transactions, and anomaly alerts.
package txn

// Record is a raw transaction as read from a CSV row or a store document.
// Keys are free-form and values are strings or numbers.
type Record map[string]any

// Defaults applied by Normalize and the scoring mappers.
const (
	UnknownAccount  = "Unknown"
	UnknownLocation = "Unknown"
	UnknownLevel    = "Unknown"
	ErrorLevel      = "Error"
)

// Normalized is a transaction with a uniform shape.
type Normalized struct {
	ID        string  `json:"id"`
	Account   string  `json:"account"`
	Amount    float64 `json:"amount"`
	Timestamp string  `json:"timestamp"`
	Location  string  `json:"location"`
}

// Scored is a normalized transaction carrying the scoring service's verdict.
type Scored struct {
	Normalized
	RiskScore int      `json:"riskScore"`
	RiskLevel string   `json:"riskLevel"`
	IsAnomaly *bool    `json:"isAnomaly,omitempty"`
	Reasons   []string `json:"reasons"`
	Action    string   `json:"action,omitempty"`
}

// Anomalous reports whether the scoring service flagged the transaction.
func (s Scored) Anomalous() bool {
	return s.IsAnomaly != nil && *s.IsAnomaly
}

// Alert is an independently produced anomaly alert for a transaction.
type Alert struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	RiskScore     int    `json:"riskScore"`
	HasScore      bool   `json:"-"`
}

// ClampScore rounds a raw score into the [0,100] range.
func ClampScore(f float64) int {
	switch {
	case f != f: // NaN
		return 0
	case f < 0:
		return 0
	case f > 100:
		return 100
	}
	return int(f + 0.5)
}

// AlertFromRecord reads an alert document. docID is the store's document id.
func AlertFromRecord(docID string, r Record) Alert {
	score, ok := LookupScore(r, ScoreFields...)
	return Alert{
		ID:            docID,
		TransactionID: LookupString(r, "", "transactionId", "transaction_id", "txnId"),
		RiskScore:     score,
		HasScore:      ok,
	}
}
