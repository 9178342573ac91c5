package txn

import (
	"time"

	"github.com/finomaly/finomaly/internal/idgen"
)

// Normalize maps a raw record onto the uniform transaction shape. It never
// fails: missing or unparsable fields fall back to their defaults.
func Normalize(r Record) Normalized {
	return NormalizeAt(r, time.Now())
}

// NormalizeAt is Normalize with an explicit clock for the timestamp default.
func NormalizeAt(r Record, now time.Time) Normalized {
	return Normalized{
		ID:        LookupString(r, "", IDFields...),
		Account:   LookupString(r, UnknownAccount, AccountFields...),
		Amount:    LookupFloat(r, 0, AmountFields...),
		Timestamp: LookupString(r, now.UTC().Format(time.RFC3339), TimestampFields...),
		Location:  LookupString(r, UnknownLocation, LocationFields...),
	}.withID()
}

// NormalizeAll normalizes every record and guarantees IDs are unique within
// the batch: a repeated ID is replaced with a generated one.
func NormalizeAll(records []Record) []Normalized {
	now := time.Now()
	seen := make(map[string]struct{}, len(records))
	out := make([]Normalized, 0, len(records))
	for _, r := range records {
		n := NormalizeAt(r, now)
		if _, dup := seen[n.ID]; dup {
			n.ID = idgen.New()
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	return out
}

func (n Normalized) withID() Normalized {
	if n.ID == "" {
		n.ID = idgen.New()
	}
	return n
}

// Fallback builds the placeholder scored record substituted when scoring a
// single transaction fails. level is UnknownLevel for a rejected response and
// ErrorLevel for a transport fault.
func Fallback(n Normalized, level string) Scored {
	return Scored{
		Normalized: n,
		RiskScore:  0,
		RiskLevel:  level,
		Reasons:    []string{},
	}
}
