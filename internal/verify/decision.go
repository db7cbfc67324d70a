package verify

import (
	"strings"

	"medverify/internal/adjudicator"
)

// NormalizeName prepares a full name for strict comparison: lowercase,
// whitespace collapsed, dots removed.
func NormalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.Join(strings.Fields(normalized), " ")
	return strings.ReplaceAll(normalized, ".", "")
}

// namesMatch performs the strict normalized equality comparison. Any
// difference in any part of the name, surname, given name or patronymic
// alone, is a mismatch.
func namesMatch(claimed, found string) bool {
	if claimed == "" || found == "" {
		return false
	}
	return NormalizeName(claimed) == NormalizeName(found)
}

// Decide interprets an adjudicator judgment against the claimed full
// name. It is a pure function of its inputs. Rules, in order:
//
//  1. a missing judgment is a rejection;
//  2. a document judgment that is not a genuine medical document, or
//     carries zero medical indicators, is rejected regardless of name;
//  3. if the adjudicator found a name, it must strictly match the claim;
//  4. otherwise accept only when found with high or medium confidence.
func Decide(j *adjudicator.Judgment, claimedName string) bool {
	if j == nil {
		return false
	}

	if j.Kind == adjudicator.KindDocument {
		if !j.IsMedicalDocument {
			return false
		}
		if len(j.MedicalIndicators) == 0 {
			return false
		}
	}

	if j.Found && j.FoundName != "" && !namesMatch(claimedName, j.FoundName) {
		return false
	}

	return j.Found && (j.Confidence == adjudicator.ConfidenceHigh || j.Confidence == adjudicator.ConfidenceMedium)
}
