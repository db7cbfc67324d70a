package errors

import (
	"errors"
)

// UserError represents an error with both technical and user-friendly messages
type UserError struct {
	Err       error
	UserMsg   string
	Retryable bool
}

func (e *UserError) Error() string {
	return e.Err.Error()
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// Predefined errors
var (
	ErrGroupNotFound = &UserError{
		Err:       errors.New("group not found or inactive"),
		UserMsg:   "The group was not found or is not moderated by this bot.",
		Retryable: false,
	}

	ErrNoVerificationRecord = &UserError{
		Err:       errors.New("no verification record for user in group"),
		UserMsg:   "You are not a member of this group. Join the group first, then start verification.",
		Retryable: false,
	}

	ErrAlreadyVerified = &UserError{
		Err:       errors.New("user already verified"),
		UserMsg:   "You are already verified in this group.",
		Retryable: false,
	}

	ErrAttemptsExhausted = &UserError{
		Err:       errors.New("verification attempts exhausted"),
		UserMsg:   "You have used all verification attempts for this group. Contact an administrator.",
		Retryable: false,
	}

	ErrVerificationInProgress = &UserError{
		Err:       errors.New("verification already in progress"),
		UserMsg:   "You already have a verification in progress. Finish it before starting another.",
		Retryable: false,
	}

	ErrAdjudicatorUnavailable = &UserError{
		Err:       errors.New("adjudicator service unavailable"),
		UserMsg:   "The verification service is temporarily unavailable. Please try again later.",
		Retryable: true,
	}

	ErrNoActiveSession = &UserError{
		Err:       errors.New("no active verification session"),
		UserMsg:   "No verification is in progress. Use /start to begin.",
		Retryable: false,
	}
)

// Wrap wraps a technical error with a user message
func Wrap(err error, userMsg string, retryable bool) *UserError {
	return &UserError{
		Err:       err,
		UserMsg:   userMsg,
		Retryable: retryable,
	}
}

// GetUserMessage extracts user-friendly message from error
func GetUserMessage(err error) string {
	var userErr *UserError
	if errors.As(err, &userErr) {
		return userErr.UserMsg
	}
	// Default message for unexpected errors
	return "An unexpected error occurred. Please try again later."
}

// IsRetryable checks if an error can be retried
func IsRetryable(err error) bool {
	var userErr *UserError
	if errors.As(err, &userErr) {
		return userErr.Retryable
	}
	return false
}
