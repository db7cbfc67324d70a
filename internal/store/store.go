package store

import "time"

// VerificationType records how a verification was obtained.
type VerificationType string

const (
	TypeManual    VerificationType = "manual"
	TypeWhitelist VerificationType = "whitelist"
	TypeAuto      VerificationType = "auto"
)

// Verification is the per user-and-group verification record.
// Invariant: Verified == true implies RequiresVerification == false.
type Verification struct {
	UserID               int64
	GroupID              int64
	Verified             bool
	RequiresVerification bool
	VerificationType     VerificationType
	AttemptsCount        int
	State                string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	VerifiedAt           *time.Time
}

// Group represents a moderated group chat.
type Group struct {
	GroupID     int64
	GroupName   string
	IsActive    bool
	CheckinMode bool
	AddedAt     time.Time
	UpdatedAt   time.Time
}

// WhitelistEntry grants automatic verification in a group, identified
// by either UserID or Username (never both).
type WhitelistEntry struct {
	ID       int64
	GroupID  int64
	UserID   int64
	Username string
	AddedBy  int64
	Notes    string
	AddedAt  time.Time
}

// AuditEntry is one adjudication decision with the full adjudicator payload.
type AuditEntry struct {
	ID         int64
	RequestID  string
	UserID     int64
	GroupID    int64
	Method     string
	FullName   string
	Workplace  string
	WebsiteURL string
	Outcome    string
	Payload    string
	CreatedAt  time.Time
}

// Store defines the interface for verification persistence
type Store interface {
	// GetVerification returns the record for (user, group), or nil if none exists
	GetVerification(userID, groupID int64) (*Verification, error)

	// CreateForNewMember creates (or refreshes) a record with
	// requires_verification=true and state waiting. Idempotent.
	CreateForNewMember(userID, groupID int64, state string) (*Verification, error)

	// CreateForExistingMember creates a record with requires_verification=false
	// if none exists yet; an existing record is returned unchanged.
	CreateForExistingMember(userID, groupID int64) (*Verification, error)

	// SetVerified marks the record verified with the given provenance and
	// clears requires_verification.
	SetVerified(userID, groupID int64, vtype VerificationType) error

	// SetState updates the conversation state marker; empty string clears it.
	SetState(userID, groupID int64, state string) error

	// IncrementAttempts atomically increments attempts_count, returning the new value
	IncrementAttempts(userID, groupID int64) (int, error)

	// DeleteVerification removes the record (spam-ban cleanup)
	DeleteVerification(userID, groupID int64) error

	// ListUserVerifications returns all records for a user across groups
	ListUserVerifications(userID int64) ([]Verification, error)

	// IncrementOffenses atomically increments the blocked-message counter,
	// returning the new value.
	IncrementOffenses(userID, groupID int64) (int, error)

	// ResetOffenses clears the blocked-message counter
	ResetOffenses(userID, groupID int64) error

	// IsWhitelisted checks membership by user ID or username
	IsWhitelisted(userID int64, username string, groupID int64) (bool, error)

	// AddWhitelist adds an entry
	AddWhitelist(e WhitelistEntry) error

	// RemoveWhitelist removes by user ID or username, reporting whether an entry existed
	RemoveWhitelist(groupID, userID int64, username string) (bool, error)

	// ListWhitelist returns all entries for a group
	ListWhitelist(groupID int64) ([]WhitelistEntry, error)

	// GetGroup returns a group, or nil if unknown
	GetGroup(groupID int64) (*Group, error)

	// UpsertGroup creates or updates a group
	UpsertGroup(g Group) error

	// SetGroupActive flips the bot-has-admin-rights flag
	SetGroupActive(groupID int64, active bool) error

	// ToggleCheckinMode flips checkin_mode, returning the new value
	ToggleCheckinMode(groupID int64) (bool, error)

	// ListActiveGroups returns all groups the bot currently administers
	ListActiveGroups() ([]Group, error)

	// AddAudit appends an adjudication audit entry
	AddAudit(e AuditEntry) error

	// Close releases resources
	Close() error
}
