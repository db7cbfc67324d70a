package adjudicator

// Kind tags which flavor of evidence a judgment was produced from.
type Kind string

const (
	KindWebsite  Kind = "website"
	KindDocument Kind = "document"
)

// Confidence levels reported by the reasoning service.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Judgment is the structured adjudication result. Kind is set by the
// client according to which endpoint produced it; callers never have to
// infer the shape from which fields happen to be populated.
type Judgment struct {
	Kind        Kind
	Found       bool
	Confidence  Confidence
	Explanation string
	FoundName   string

	// Website judgments only
	Sources []string

	// Document judgments only
	DocumentType        string
	IsMedicalDocument   bool
	MedicalIndicators   []string
	IssuingOrganization string

	// Raw response body, kept for the audit log
	Raw string
}

// wire structs for the reasoning service API

type apiRequest struct {
	Model          string          `json:"model"`
	Input          []apiMessage    `json:"input"`
	Tools          []apiTool       `json:"tools,omitempty"`
	ResponseFormat *responseFormat `json:"text,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type apiContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type apiTool struct {
	Type string `json:"type"`
}

type responseFormat struct {
	Format schemaFormat `json:"format"`
}

type schemaFormat struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type apiResponse struct {
	OutputText string `json:"output_text"`
	Error      string `json:"error,omitempty"`
}

type judgmentPayload struct {
	Found               bool     `json:"found"`
	Confidence          string   `json:"confidence"`
	Explanation         string   `json:"explanation"`
	FoundName           string   `json:"found_name"`
	Sources             []string `json:"sources"`
	DocumentType        string   `json:"document_type"`
	IsMedicalDocument   bool     `json:"is_medical_document"`
	MedicalIndicators   []string `json:"medical_indicators"`
	IssuingOrganization string   `json:"issuing_organization"`
}
