package txn

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Field alias sets. Lookups try each alias case-insensitively, in order.
var (
	IDFields        = []string{"id", "transactionId", "transaction_id", "txn_id", "txnId", "tx_id"}
	AccountFields   = []string{"account", "account_id", "accountId", "user_id", "userId", "cuenta", "konto", "compte", "conta"}
	AmountFields    = []string{"amount", "amt", "value", "monto", "importe", "montant", "betrag", "importo", "valor"}
	TimestampFields = []string{"timestamp", "date", "datetime", "time", "fecha", "datum", "horodatage", "data"}
	LocationFields  = []string{"location", "city", "place", "ubicacion", "ubicación", "lieu", "ort", "standort", "localizacao"}
	ScoreFields     = []string{"riskScore", "risk_score", "score"}
	LevelFields     = []string{"riskLevel", "risk_level", "level"}
	AnomalyFields   = []string{"isAnomaly", "is_anomaly", "anomaly"}
	ReasonFields    = []string{"reasons", "reason"}
)

// Lookup returns the first present, non-empty value among keys, matched
// case-insensitively. Exact-case matches win over folded matches.
func Lookup(r Record, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok && !isEmpty(v) {
			return v, true
		}
	}
	for _, k := range keys {
		for rk, v := range r {
			if strings.EqualFold(rk, k) && !isEmpty(v) {
				return v, true
			}
		}
	}
	return nil, false
}

// LookupString returns the value for keys rendered as a trimmed string, or def.
func LookupString(r Record, def string, keys ...string) string {
	v, ok := Lookup(r, keys...)
	if !ok {
		return def
	}
	s := strings.TrimSpace(toString(v))
	if s == "" {
		return def
	}
	return s
}

// LookupFloat returns the value for keys parsed as a float, or def when it is
// absent or unparsable.
func LookupFloat(r Record, def float64, keys ...string) float64 {
	v, ok := Lookup(r, keys...)
	if !ok {
		return def
	}
	f, ok := toFloat(v)
	if !ok {
		return def
	}
	return f
}

// LookupScore returns the risk score for keys clamped into [0,100].
// ok is false when no parsable score is present.
func LookupScore(r Record, keys ...string) (int, bool) {
	v, found := Lookup(r, keys...)
	if !found {
		return 0, false
	}
	f, parsed := toFloat(v)
	if !parsed {
		return 0, false
	}
	return ClampScore(f), true
}

// LookupBool returns a pointer to the boolean value for keys, or nil.
func LookupBool(r Record, keys ...string) *bool {
	v, ok := Lookup(r, keys...)
	if !ok {
		return nil
	}
	var b bool
	switch x := v.(type) {
	case bool:
		b = x
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil
		}
		b = parsed
	case float64:
		b = x != 0
	case int:
		b = x != 0
	default:
		return nil
	}
	return &b
}

// LookupStrings returns the value for keys as a string slice. A single
// string becomes a one-element slice. Absent values yield an empty slice.
func LookupStrings(r Record, keys ...string) []string {
	v, ok := Lookup(r, keys...)
	if !ok {
		return []string{}
	}
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s := toString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{x}
	default:
		return []string{toString(x)}
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

// toFloat reports ok only for finite values; NaN and infinities cannot be
// encoded as JSON and are treated as unparsable.
func toFloat(v any) (float64, bool) {
	f, ok := parseFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func parseFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(x)
		s = strings.ReplaceAll(s, ",", "")
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
