package adjudicator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medverify/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.AdjudicatorConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "test-model",
		Timeout: 5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestVerifyWebsite(t *testing.T) {
	var gotAuth, gotRequestID string
	var gotBody apiRequest

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-Id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		inner, _ := json.Marshal(map[string]any{
			"found":       true,
			"confidence":  "high",
			"explanation": "listed on the staff page",
			"sources":     []string{"https://hospital1.example/staff"},
			"found_name":  "Ivanov Ivan",
		})
		json.NewEncoder(w).Encode(map[string]any{"output_text": string(inner)})
	})

	j, err := client.VerifyWebsite(context.Background(), "Ivanov Ivan", "City Hospital", "https://hospital1.example")
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.NotEmpty(t, gotRequestID)
	assert.Equal(t, "test-model", gotBody.Model)
	require.Len(t, gotBody.Tools, 1)
	assert.Equal(t, "web_search_preview", gotBody.Tools[0].Type)

	assert.Equal(t, KindWebsite, j.Kind)
	assert.True(t, j.Found)
	assert.Equal(t, ConfidenceHigh, j.Confidence)
	assert.Equal(t, "Ivanov Ivan", j.FoundName)
	assert.Equal(t, []string{"https://hospital1.example/staff"}, j.Sources)
	assert.NotEmpty(t, j.Raw)
}

func TestVerifyDocument(t *testing.T) {
	var rawBody []byte

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rawBody, _ = io.ReadAll(r.Body)

		inner, _ := json.Marshal(map[string]any{
			"found":                true,
			"confidence":           "medium",
			"explanation":          "diploma with readable name",
			"document_type":        "diploma",
			"found_name":           "Ivanov Ivan",
			"is_medical_document":  true,
			"medical_indicators":   []string{"medical university seal", "registration number"},
			"issuing_organization": "First Medical University",
		})
		json.NewEncoder(w).Encode(map[string]any{"output_text": string(inner)})
	})

	data := []byte("fake scan bytes")
	j, err := client.VerifyDocument(context.Background(), "Ivanov Ivan", "City Hospital", data, "image/jpeg")
	require.NoError(t, err)

	// The evidence travels inline as a base64 data URL.
	assert.Contains(t, string(rawBody), "data:image/jpeg;base64,")

	assert.Equal(t, KindDocument, j.Kind)
	assert.True(t, j.IsMedicalDocument)
	assert.Equal(t, "diploma", j.DocumentType)
	assert.Len(t, j.MedicalIndicators, 2)
	assert.Equal(t, "First Medical University", j.IssuingOrganization)
}

func TestVerifyWebsiteServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	})

	_, err := client.VerifyWebsite(context.Background(), "Ivanov Ivan", "City Hospital", "https://hospital1.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestVerifyWebsiteAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "model not available"})
	})

	_, err := client.VerifyWebsite(context.Background(), "Ivanov Ivan", "City Hospital", "https://hospital1.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not available")
}

func TestVerifyWebsiteMalformedJudgment(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"output_text": "not json at all"})
	})

	_, err := client.VerifyWebsite(context.Background(), "Ivanov Ivan", "City Hospital", "https://hospital1.example")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unmarshal judgment"))
}
