package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Fingerprint derives the canonical hash of a request's semantically relevant
// fields. Field order never matters: the field set is sorted, and the
// serialization is a JSON object whose keys (including nested target keys)
// marshal in lexicographic order.
func Fingerprint(r Request) (string, error) {
	fields := append([]string(nil), r.Fields...)
	sort.Strings(fields)

	canonical := map[string]any{
		"source":    r.Source,
		"operation": r.Operation,
		"target":    r.Target,
		"fields":    fields,
		"freshness": r.Freshness,
		"fast_mode": r.FastMode,
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
