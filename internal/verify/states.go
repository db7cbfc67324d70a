package verify

// Conversation state names, persisted on the verification record so the
// removal scheduler can tell whether a user has started the flow.
const (
	StateWaitingForStart    = "waiting_for_start"
	StateEnteringFullName   = "entering_full_name"
	StateEnteringWorkplace  = "entering_workplace"
	StateChoosingMethod     = "choosing_verification_method"
	StateEnteringWebsiteURL = "entering_website_url"
	StateUploadingDocument  = "uploading_document"
	StateProcessing         = "processing_verification"

	// Terminal markers, never part of an active conversation
	StateVerificationTimeout = "verification_timeout"
	StateLeftGroup           = "left_group"
)

// HasStarted reports whether a persisted state indicates the user
// progressed past the initial challenge.
func HasStarted(state string) bool {
	switch state {
	case "", StateWaitingForStart, StateVerificationTimeout, StateLeftGroup:
		return false
	}
	return true
}

// Method selects the evidence path a user chose.
type Method string

const (
	MethodWebsite  Method = "website"
	MethodDocument Method = "document"
)
