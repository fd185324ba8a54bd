package auditlog

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/jameslbarnes/dshield/interfaces"
)

// IntegrityResult reports the outcome of a chain verification. Errors
// accumulates every independent failure; Valid is true only when Errors is
// empty.
type IntegrityResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// VerifyLogIntegrity checks a collection of signed entries for one function:
// the sequence must start at 1 and be contiguous with no duplicates, and
// every signature must verify against the given public key.
//
// The input need not be ordered. The verifier never short-circuits; all
// failures are reported together.
func VerifyLogIntegrity(entries []interfaces.SignedLogEntry, publicKeyPEM []byte, verify interfaces.VerifyFunc) IntegrityResult {
	result := IntegrityResult{Errors: []string{}}

	if len(entries) == 0 {
		result.Valid = true
		return result
	}

	sorted := make([]interfaces.SignedLogEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	if sorted[0].Sequence != 1 {
		result.Errors = append(result.Errors,
			fmt.Sprintf("sequence must start at 1, found %d", sorted[0].Sequence))
	}

	for i := range sorted {
		expected := uint64(i + 1)
		if sorted[i].Sequence != expected {
			if i > 0 && sorted[i].Sequence == sorted[i-1].Sequence {
				result.Errors = append(result.Errors,
					fmt.Sprintf("duplicate sequence %d", sorted[i].Sequence))
			} else {
				result.Errors = append(result.Errors,
					fmt.Sprintf("sequence gap: expected %d, found %d", expected, sorted[i].Sequence))
			}
		}
	}

	for _, entry := range sorted {
		sig, err := base64.StdEncoding.DecodeString(entry.Signature)
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("Invalid signature for sequence %d", entry.Sequence))
			continue
		}

		if !verify(entry.CanonicalBytes(), sig, publicKeyPEM) {
			result.Errors = append(result.Errors,
				fmt.Sprintf("Invalid signature for sequence %d", entry.Sequence))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}
