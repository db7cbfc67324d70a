package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"medverify/internal/adjudicator"
	"medverify/internal/config"
	apperrors "medverify/internal/errors"
	"medverify/internal/store"
)

// Messenger is the narrow messaging surface the engine needs.
type Messenger interface {
	SendPrivate(userID int64, text string) error
	PromptMethodChoice(userID int64) error
	DeleteMessage(chatID int64, messageID int) error
}

// FileFetcher downloads uploaded evidence by its platform file reference.
type FileFetcher interface {
	FetchFile(ctx context.Context, fileID string) ([]byte, error)
}

// Adjudicator evaluates an identity claim against submitted evidence.
type Adjudicator interface {
	VerifyWebsite(ctx context.Context, fullName, workplace, websiteURL string) (*adjudicator.Judgment, error)
	VerifyDocument(ctx context.Context, fullName, workplace string, data []byte, mimeType string) (*adjudicator.Judgment, error)
}

// Cache receives write-through notifications on verification success so
// the message gate stops consulting the store for this user immediately.
type Cache interface {
	PutVerified(userID, groupID int64)
}

// Input describes where a conversation message arrived.
type Input struct {
	ChatID    int64
	MessageID int
	IsGroup   bool
	Text      string
}

// Document describes uploaded evidence.
type Document struct {
	FileID   string
	MIMEType string
	FileSize int64
	// IsPhoto distinguishes photo uploads (size check only) from file
	// uploads (MIME allow-list plus size check).
	IsPhoto bool
}

// session accumulates one verification run. The target group is captured
// once at flow entry and never re-derived mid-flow, so a user challenged
// by two groups at once cannot cross-contaminate claims.
type session struct {
	groupID    int64
	state      string
	fullName   string
	workplace  string
	method     Method
	websiteURL string
	document   *Document
}

// Engine is the verification conversation state machine. One active
// session per user, across all groups.
type Engine struct {
	store  store.Store
	adj    Adjudicator
	msg    Messenger
	files  FileFetcher
	cache  Cache
	cfg    config.VerificationConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*session
}

// NewEngine creates a conversation engine.
func NewEngine(
	st store.Store,
	adj Adjudicator,
	msg Messenger,
	files FileFetcher,
	cache Cache,
	cfg config.VerificationConfig,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:    st,
		adj:      adj,
		msg:      msg,
		files:    files,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[int64]*session),
	}
}

// HasSession reports whether the user has an active verification run.
func (e *Engine) HasSession(userID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[userID]
	return ok
}

func (e *Engine) getSession(userID int64) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[userID]
}

func (e *Engine) clearSession(userID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, userID)
}

// Start begins a verification run for (user, group). The group must be
// known and active and a verification record must already exist; the
// attempt counter is consumed here, on the transition out of waiting.
func (e *Engine) Start(ctx context.Context, userID, groupID int64) error {
	if sess := e.getSession(userID); sess != nil && sess.state == StateProcessing {
		e.sendUserError(userID, apperrors.ErrVerificationInProgress)
		return apperrors.ErrVerificationInProgress
	}

	group, err := e.store.GetGroup(groupID)
	if err != nil {
		return fmt.Errorf("load group %d: %w", groupID, err)
	}
	if group == nil || !group.IsActive {
		e.sendUserError(userID, apperrors.ErrGroupNotFound)
		return apperrors.ErrGroupNotFound
	}

	rec, err := e.store.GetVerification(userID, groupID)
	if err != nil {
		return fmt.Errorf("load verification: %w", err)
	}
	if rec == nil {
		e.sendUserError(userID, apperrors.ErrNoVerificationRecord)
		return apperrors.ErrNoVerificationRecord
	}
	if rec.Verified {
		e.sendUserError(userID, apperrors.ErrAlreadyVerified)
		return apperrors.ErrAlreadyVerified
	}
	if rec.AttemptsCount >= e.cfg.MaxAttempts {
		e.sendUserError(userID, apperrors.ErrAttemptsExhausted)
		return apperrors.ErrAttemptsExhausted
	}

	attempts, err := e.store.IncrementAttempts(userID, groupID)
	if err != nil {
		return fmt.Errorf("increment attempts: %w", err)
	}
	if err := e.store.SetState(userID, groupID, StateEnteringFullName); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}

	e.mu.Lock()
	e.sessions[userID] = &session{groupID: groupID, state: StateEnteringFullName}
	e.mu.Unlock()

	e.logger.Info("verification started",
		"user_id", userID,
		"group_id", groupID,
		"attempt", attempts,
	)

	if err := e.msg.SendPrivate(userID,
		"Step 1/4: Enter your full name\n\n"+
			"Provide your complete name (surname, given name, patronymic) exactly as it appears in your documents.\n\n"+
			"Example: Ivanov Ivan Ivanovich"); err != nil {
		e.logger.Error("failed to send name prompt", "error", err, "user_id", userID)
	}

	return nil
}

// HandleText processes free-text input for the current step.
func (e *Engine) HandleText(ctx context.Context, userID int64, in Input) error {
	sess := e.getSession(userID)
	if sess == nil {
		return apperrors.ErrNoActiveSession
	}

	// Evidence must never be exposed to the group: any conversation input
	// arriving in a group chat is removed and the user redirected.
	if in.IsGroup {
		e.redirectToPrivate(userID, in)
		return nil
	}

	switch sess.state {
	case StateEnteringFullName:
		return e.handleFullName(userID, sess, in.Text)
	case StateEnteringWorkplace:
		return e.handleWorkplace(userID, sess, in.Text)
	case StateEnteringWebsiteURL:
		return e.handleWebsiteURL(ctx, userID, sess, in.Text)
	case StateUploadingDocument:
		e.sendText(userID, "Invalid message type. Send the document as a photo (JPEG, PNG) or a file (PDF); text is not accepted at this step.")
		return nil
	default:
		return nil
	}
}

func (e *Engine) handleFullName(userID int64, sess *session, text string) error {
	if err := ValidateFullName(text); err != nil {
		e.sendText(userID, fmt.Sprintf("Validation error: %v\n\nTry again. Enter your full name:", err))
		return nil
	}

	e.mu.Lock()
	sess.fullName = strings.TrimSpace(text)
	sess.state = StateEnteringWorkplace
	e.mu.Unlock()

	if err := e.store.SetState(userID, sess.groupID, StateEnteringWorkplace); err != nil {
		e.logger.Error("failed to persist state", "error", err, "user_id", userID)
	}

	e.sendText(userID,
		"Step 2/4: Enter your workplace\n\n"+
			"Provide the full name of the medical organization you work at.\n\n"+
			"Examples:\n"+
			"- City Hospital No. 1\n"+
			"- Health Medical Center LLC\n"+
			"- Institute of Cardiology")
	return nil
}

func (e *Engine) handleWorkplace(userID int64, sess *session, text string) error {
	if err := ValidateWorkplace(text); err != nil {
		e.sendText(userID, fmt.Sprintf("Validation error: %v\n\nTry again. Enter the organization name:", err))
		return nil
	}

	e.mu.Lock()
	sess.workplace = strings.TrimSpace(text)
	sess.state = StateChoosingMethod
	e.mu.Unlock()

	if err := e.store.SetState(userID, sess.groupID, StateChoosingMethod); err != nil {
		e.logger.Error("failed to persist state", "error", err, "user_id", userID)
	}

	if err := e.msg.PromptMethodChoice(userID); err != nil {
		e.logger.Error("failed to send method prompt", "error", err, "user_id", userID)
	}
	return nil
}

// ChooseMethod handles the website/document method selection.
func (e *Engine) ChooseMethod(ctx context.Context, userID int64, method Method) error {
	sess := e.getSession(userID)
	if sess == nil {
		return apperrors.ErrNoActiveSession
	}
	if sess.state != StateChoosingMethod {
		return nil
	}

	var next string
	switch method {
	case MethodWebsite:
		next = StateEnteringWebsiteURL
		e.sendText(userID,
			"Step 4/4: Enter the organization's website\n\n"+
				"Provide the URL of your organization's official website.\n\n"+
				"Examples:\n"+
				"- hospital1.example\n"+
				"- https://cardio-institute.example\n\n"+
				"The https:// prefix is optional.")
	case MethodDocument:
		next = StateUploadingDocument
		e.sendText(userID,
			"Step 4/4: Upload a document\n\n"+
				"Upload a photo or scan of one of: a medical diploma, a specialist certificate, "+
				"an employment certificate, or a physician ID.\n\n"+
				"Requirements: JPEG, PNG or PDF, up to "+fmt.Sprintf("%d", e.cfg.MaxFileSizeMB)+" MB, "+
				"with your full name clearly readable.")
	default:
		return fmt.Errorf("unknown verification method %q", method)
	}

	e.mu.Lock()
	sess.method = method
	sess.state = next
	e.mu.Unlock()

	if err := e.store.SetState(userID, sess.groupID, next); err != nil {
		e.logger.Error("failed to persist state", "error", err, "user_id", userID)
	}
	return nil
}

func (e *Engine) handleWebsiteURL(ctx context.Context, userID int64, sess *session, text string) error {
	normalized, err := NormalizeWebsiteURL(text)
	if err != nil {
		e.sendText(userID, fmt.Sprintf("URL validation error: %v\n\nTry again. Enter a valid website URL:", err))
		return nil
	}

	e.mu.Lock()
	sess.websiteURL = normalized
	sess.state = StateProcessing
	e.mu.Unlock()

	if err := e.store.SetState(userID, sess.groupID, StateProcessing); err != nil {
		e.logger.Error("failed to persist state", "error", err, "user_id", userID)
	}

	return e.process(ctx, userID, sess)
}

// HandleDocument processes uploaded evidence for the document method.
func (e *Engine) HandleDocument(ctx context.Context, userID int64, in Input, doc Document) error {
	sess := e.getSession(userID)
	if sess == nil {
		return apperrors.ErrNoActiveSession
	}

	if in.IsGroup {
		e.redirectToPrivate(userID, in)
		return nil
	}

	if sess.state != StateUploadingDocument {
		return nil
	}

	if !doc.IsPhoto {
		if err := ValidateFileType(doc.MIMEType, e.cfg.AllowedFileTypes); err != nil {
			e.sendText(userID, fmt.Sprintf("%v", err))
			return nil
		}
	}
	if err := ValidateFileSize(doc.FileSize, e.cfg.MaxFileSizeBytes(), e.cfg.MaxFileSizeMB); err != nil {
		e.sendText(userID, fmt.Sprintf("%v", err))
		return nil
	}

	if doc.IsPhoto && doc.MIMEType == "" {
		doc.MIMEType = "image/jpeg"
	}

	e.mu.Lock()
	sess.document = &doc
	sess.state = StateProcessing
	e.mu.Unlock()

	if err := e.store.SetState(userID, sess.groupID, StateProcessing); err != nil {
		e.logger.Error("failed to persist state", "error", err, "user_id", userID)
	}

	return e.process(ctx, userID, sess)
}

// process invokes the adjudicator with the accumulated claim and applies
// the verdict. Adjudicator failures count as a rejection for this attempt.
func (e *Engine) process(ctx context.Context, userID int64, sess *session) error {
	e.sendText(userID, "Processing your verification...\n\nPlease wait, this can take a few minutes.")

	groupID := sess.groupID
	requestID := uuid.NewString()

	var judgment *adjudicator.Judgment
	var adjErr error

	switch sess.method {
	case MethodWebsite:
		judgment, adjErr = e.adj.VerifyWebsite(ctx, sess.fullName, sess.workplace, sess.websiteURL)
	case MethodDocument:
		var data []byte
		data, adjErr = e.files.FetchFile(ctx, sess.document.FileID)
		if adjErr == nil {
			judgment, adjErr = e.adj.VerifyDocument(ctx, sess.fullName, sess.workplace, data, sess.document.MIMEType)
		}
	default:
		adjErr = fmt.Errorf("no verification method selected")
	}

	accepted := adjErr == nil && Decide(judgment, sess.fullName)

	e.audit(requestID, userID, sess, judgment, adjErr, accepted)

	if adjErr != nil {
		e.logger.Error("adjudication failed",
			"error", adjErr,
			"user_id", userID,
			"group_id", groupID,
			"request_id", requestID,
		)
		return e.finishRejected(userID, groupID, true)
	}

	if accepted {
		return e.finishAccepted(userID, groupID)
	}
	return e.finishRejected(userID, groupID, false)
}

func (e *Engine) finishAccepted(userID, groupID int64) error {
	if err := e.store.SetVerified(userID, groupID, store.TypeManual); err != nil {
		e.logger.Error("failed to persist verification", "error", err, "user_id", userID, "group_id", groupID)
		e.clearSession(userID)
		e.sendText(userID, "A technical error occurred while saving your verification. Please contact an administrator.")
		return fmt.Errorf("set verified: %w", err)
	}
	if err := e.store.ResetOffenses(userID, groupID); err != nil {
		e.logger.Error("failed to reset offense counter", "error", err, "user_id", userID, "group_id", groupID)
	}

	if e.cache != nil {
		e.cache.PutVerified(userID, groupID)
	}

	e.clearSession(userID)

	e.logger.Info("verification accepted", "user_id", userID, "group_id", groupID)
	e.sendText(userID, "Verification completed successfully! You can now post in the group.")
	return nil
}

func (e *Engine) finishRejected(userID, groupID int64, technical bool) error {
	if err := e.store.SetState(userID, groupID, ""); err != nil {
		e.logger.Error("failed to clear state", "error", err, "user_id", userID, "group_id", groupID)
	}

	remaining := 0
	if rec, err := e.store.GetVerification(userID, groupID); err == nil && rec != nil {
		remaining = e.cfg.MaxAttempts - rec.AttemptsCount
		if remaining < 0 {
			remaining = 0
		}
	}

	e.clearSession(userID)

	e.logger.Info("verification rejected",
		"user_id", userID,
		"group_id", groupID,
		"remaining_attempts", remaining,
		"technical_failure", technical,
	)

	text := "Verification was not successful."
	if technical {
		text = "A technical error occurred while processing your verification."
	}
	if remaining > 0 {
		text += fmt.Sprintf("\n\nAttempts remaining: %d. Use /start to try again.", remaining)
	} else {
		text += "\n\nYou have no attempts remaining. Contact an administrator."
	}
	e.sendText(userID, text)
	return nil
}

func (e *Engine) audit(requestID string, userID int64, sess *session, j *adjudicator.Judgment, adjErr error, accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}

	payload := ""
	if adjErr != nil {
		outcome = "error"
		payload = adjErr.Error()
	} else if j != nil {
		if j.Raw != "" {
			payload = j.Raw
		} else if b, err := json.Marshal(j); err == nil {
			payload = string(b)
		}
	}

	entry := store.AuditEntry{
		RequestID:  requestID,
		UserID:     userID,
		GroupID:    sess.groupID,
		Method:     string(sess.method),
		FullName:   sess.fullName,
		Workplace:  sess.workplace,
		WebsiteURL: sess.websiteURL,
		Outcome:    outcome,
		Payload:    payload,
	}
	if err := e.store.AddAudit(entry); err != nil {
		e.logger.Error("failed to write audit entry", "error", err, "request_id", requestID)
	}
}

func (e *Engine) redirectToPrivate(userID int64, in Input) {
	if err := e.msg.DeleteMessage(in.ChatID, in.MessageID); err != nil {
		e.logger.Error("failed to delete group message during verification",
			"error", err, "user_id", userID, "chat_id", in.ChatID)
	}
	e.sendText(userID, "Verification happens in private messages.\n\nPlease continue here, in the private chat with the bot.")
}

func (e *Engine) sendText(userID int64, text string) {
	if err := e.msg.SendPrivate(userID, text); err != nil {
		e.logger.Error("failed to send message", "error", err, "user_id", userID)
	}
}

func (e *Engine) sendUserError(userID int64, err error) {
	e.sendText(userID, apperrors.GetUserMessage(err))
}
