package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"medverify/internal/adjudicator"
)

func websiteJudgment(found bool, confidence adjudicator.Confidence, foundName string) *adjudicator.Judgment {
	return &adjudicator.Judgment{
		Kind:       adjudicator.KindWebsite,
		Found:      found,
		Confidence: confidence,
		FoundName:  foundName,
	}
}

func TestDecide_Website(t *testing.T) {
	tests := []struct {
		name     string
		judgment *adjudicator.Judgment
		claimed  string
		want     bool
	}{
		{
			name:     "nil judgment rejected",
			judgment: nil,
			claimed:  "Ivanov Ivan",
			want:     false,
		},
		{
			name:     "found with high confidence accepted",
			judgment: websiteJudgment(true, adjudicator.ConfidenceHigh, ""),
			claimed:  "Ivanov Ivan",
			want:     true,
		},
		{
			name:     "found with medium confidence accepted",
			judgment: websiteJudgment(true, adjudicator.ConfidenceMedium, ""),
			claimed:  "Ivanov Ivan",
			want:     true,
		},
		{
			name:     "found with low confidence rejected",
			judgment: websiteJudgment(true, adjudicator.ConfidenceLow, ""),
			claimed:  "Ivanov Ivan",
			want:     false,
		},
		{
			name:     "not found rejected regardless of confidence",
			judgment: websiteJudgment(false, adjudicator.ConfidenceHigh, ""),
			claimed:  "Ivanov Ivan",
			want:     false,
		},
		{
			name:     "exact name match accepted",
			judgment: websiteJudgment(true, adjudicator.ConfidenceHigh, "Ivanov Ivan"),
			claimed:  "Ivanov Ivan",
			want:     true,
		},
		{
			name:     "name match survives case and punctuation",
			judgment: websiteJudgment(true, adjudicator.ConfidenceHigh, "IVANOV  IVAN."),
			claimed:  "ivanov ivan",
			want:     true,
		},
		{
			name:     "same surname different given name rejected",
			judgment: websiteJudgment(true, adjudicator.ConfidenceHigh, "Ivanov Pyotr"),
			claimed:  "Ivanov Ivan",
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.judgment, tt.claimed))
		})
	}
}

func TestDecide_Document(t *testing.T) {
	base := func() *adjudicator.Judgment {
		return &adjudicator.Judgment{
			Kind:              adjudicator.KindDocument,
			Found:             true,
			Confidence:        adjudicator.ConfidenceHigh,
			DocumentType:      "diploma",
			IsMedicalDocument: true,
			MedicalIndicators: []string{"medical university seal"},
		}
	}

	t.Run("medical document with indicators accepted", func(t *testing.T) {
		assert.True(t, Decide(base(), "Ivanov Ivan"))
	})

	t.Run("non-medical document rejected", func(t *testing.T) {
		j := base()
		j.IsMedicalDocument = false
		assert.False(t, Decide(j, "Ivanov Ivan"))
	})

	t.Run("no medical indicators rejected", func(t *testing.T) {
		j := base()
		j.MedicalIndicators = nil
		assert.False(t, Decide(j, "Ivanov Ivan"))
	})

	t.Run("document name mismatch rejected even at high confidence", func(t *testing.T) {
		j := base()
		j.FoundName = "Sidorov Ivan"
		assert.False(t, Decide(j, "Ivanov Ivan"))
	})

	t.Run("empty found name does not reject", func(t *testing.T) {
		j := base()
		j.FoundName = ""
		assert.True(t, Decide(j, "Ivanov Ivan"))
	})
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Ivanov Ivan", "ivanov ivan"},
		{"  Ivanov   Ivan  ", "ivanov ivan"},
		{"IVANOV I.I.", "ivanov ii"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), "input %q", tt.in)
	}
}
