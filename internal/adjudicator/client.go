package adjudicator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"medverify/internal/config"
)

// Client handles communication with the external reasoning/vision service
// that evaluates identity claims against submitted evidence.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new adjudicator client
func NewClient(cfg config.AdjudicatorConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

const websiteSystemPrompt = "You verify medical professionals. Use web search to look the person up " +
	"on the organization's official website. The full name must match exactly in every part: " +
	"surname, given name and patronymic. Any difference in any part means no match. " +
	"Return found=true only on an exact match of all parts, and report the exact name you " +
	"found in found_name. Be honest about your confidence."

const documentSystemPrompt = "You analyze medical credential documents. The full name must match exactly " +
	"in every part: surname, given name and patronymic; any difference means no match. " +
	"Verify the document is genuinely medical: it must carry the name of a medical school " +
	"or medical organization, medical terminology, official seals, license or registration " +
	"numbers, or authorized signatures. Do not accept driver licenses, passports, generic " +
	"employment letters or homemade documents. Report every medical indicator you find."

// VerifyWebsite asks the service to confirm the claimed name works at the
// claimed workplace using a public website lookup.
func (c *Client) VerifyWebsite(ctx context.Context, fullName, workplace, websiteURL string) (*Judgment, error) {
	prompt := fmt.Sprintf(
		"Check whether %s works at the medical organization %s. Look for the information on %s or other official sources. Return the result as JSON.",
		fullName, workplace, websiteURL,
	)

	req := apiRequest{
		Model: c.model,
		Tools: []apiTool{{Type: "web_search_preview"}},
		ResponseFormat: &responseFormat{Format: schemaFormat{
			Type:   "json_schema",
			Name:   "verification_result",
			Schema: websiteSchema(),
			Strict: true,
		}},
		Input: []apiMessage{
			{Role: "system", Content: websiteSystemPrompt},
			{Role: "user", Content: prompt},
		},
	}

	payload, raw, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}

	return &Judgment{
		Kind:        KindWebsite,
		Found:       payload.Found,
		Confidence:  Confidence(payload.Confidence),
		Explanation: payload.Explanation,
		FoundName:   payload.FoundName,
		Sources:     payload.Sources,
		Raw:         raw,
	}, nil
}

// VerifyDocument asks the service to evaluate an uploaded credential
// document against the claimed name.
func (c *Client) VerifyDocument(ctx context.Context, fullName, workplace string, data []byte, mimeType string) (*Judgment, error) {
	encoded := base64.StdEncoding.EncodeToString(data)
	prompt := fmt.Sprintf(
		"Analyze this document for medical education or qualification. Look for the name: %s. Check the document's medical indicators: medical terms, institution names, seals, signatures. Return detailed JSON.",
		fullName,
	)

	req := apiRequest{
		Model: c.model,
		ResponseFormat: &responseFormat{Format: schemaFormat{
			Type:   "json_schema",
			Name:   "document_verification",
			Schema: documentSchema(),
			Strict: true,
		}},
		Input: []apiMessage{
			{Role: "system", Content: documentSystemPrompt},
			{Role: "user", Content: []apiContentPart{
				{Type: "input_text", Text: prompt},
				{Type: "input_image", ImageURL: fmt.Sprintf("data:%s;base64,%s", mimeType, encoded)},
			}},
		},
	}

	payload, raw, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("document adjudicated",
		"full_name", fullName,
		"workplace", workplace,
		"mime_type", mimeType,
		"size_bytes", len(data),
	)

	return &Judgment{
		Kind:                KindDocument,
		Found:               payload.Found,
		Confidence:          Confidence(payload.Confidence),
		Explanation:         payload.Explanation,
		FoundName:           payload.FoundName,
		DocumentType:        payload.DocumentType,
		IsMedicalDocument:   payload.IsMedicalDocument,
		MedicalIndicators:   payload.MedicalIndicators,
		IssuingOrganization: payload.IssuingOrganization,
		Raw:                 raw,
	}, nil
}

func (c *Client) call(ctx context.Context, req apiRequest) (*judgmentPayload, string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, "", fmt.Errorf("unmarshal response: %w", err)
	}

	if apiResp.Error != "" {
		return nil, "", fmt.Errorf("adjudicator error: %s", apiResp.Error)
	}

	var payload judgmentPayload
	if err := json.Unmarshal([]byte(apiResp.OutputText), &payload); err != nil {
		return nil, "", fmt.Errorf("unmarshal judgment: %w", err)
	}

	return &payload, apiResp.OutputText, nil
}

func websiteSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"found":       map[string]any{"type": "boolean"},
			"confidence":  map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
			"explanation": map[string]any{"type": "string"},
			"sources":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"found_name":  map[string]any{"type": "string"},
		},
		"required":             []string{"found", "confidence", "explanation", "sources", "found_name"},
		"additionalProperties": false,
	}
}

func documentSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"found":                map[string]any{"type": "boolean"},
			"confidence":           map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
			"explanation":          map[string]any{"type": "string"},
			"document_type":        map[string]any{"type": "string"},
			"found_name":           map[string]any{"type": "string"},
			"is_medical_document":  map[string]any{"type": "boolean"},
			"medical_indicators":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"issuing_organization": map[string]any{"type": "string"},
		},
		"required": []string{
			"found", "confidence", "explanation", "document_type",
			"found_name", "is_medical_document", "medical_indicators", "issuing_organization",
		},
		"additionalProperties": false,
	}
}
