package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite for persistence
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed verification store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer; it is also what makes the
	// increment upserts below the sole arbiter of counter atomicity.
	db.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS verifications (
			user_id INTEGER NOT NULL,
			group_id INTEGER NOT NULL,
			verified INTEGER NOT NULL DEFAULT 0,
			requires_verification INTEGER NOT NULL DEFAULT 0,
			verification_type TEXT NOT NULL DEFAULT '',
			attempts_count INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			verified_at DATETIME,
			PRIMARY KEY (user_id, group_id)
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			group_id INTEGER PRIMARY KEY,
			group_name TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			checkin_mode INTEGER NOT NULL DEFAULT 0,
			added_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS offense_counts (
			user_id INTEGER NOT NULL,
			group_id INTEGER NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			first_message_at DATETIME NOT NULL,
			last_message_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, group_id)
		)`,
		`CREATE TABLE IF NOT EXISTS whitelist (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id INTEGER NOT NULL,
			user_id INTEGER,
			username TEXT,
			added_by INTEGER NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			added_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_whitelist_group ON whitelist(group_id)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			user_id INTEGER NOT NULL,
			group_id INTEGER NOT NULL,
			method TEXT NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			workplace TEXT NOT NULL DEFAULT '',
			website_url TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// GetVerification returns the record for (user, group), or nil if none exists
func (s *SQLiteStore) GetVerification(userID, groupID int64) (*Verification, error) {
	var v Verification
	var verifiedAt sql.NullTime

	err := s.db.QueryRow(`
		SELECT user_id, group_id, verified, requires_verification, verification_type,
		       attempts_count, state, created_at, updated_at, verified_at
		FROM verifications WHERE user_id = ? AND group_id = ?
	`, userID, groupID).Scan(
		&v.UserID,
		&v.GroupID,
		&v.Verified,
		&v.RequiresVerification,
		&v.VerificationType,
		&v.AttemptsCount,
		&v.State,
		&v.CreatedAt,
		&v.UpdatedAt,
		&verifiedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get verification: %w", err)
	}

	if verifiedAt.Valid {
		v.VerifiedAt = &verifiedAt.Time
	}

	return &v, nil
}

// CreateForNewMember creates or refreshes a record for a user observed
// joining the group. An already-verified record is left untouched so a
// verified rejoin stays verified; attempts_count always survives.
func (s *SQLiteStore) CreateForNewMember(userID, groupID int64, state string) (*Verification, error) {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO verifications (user_id, group_id, verified, requires_verification, state, created_at, updated_at)
		VALUES (?, ?, 0, 1, ?, ?, ?)
		ON CONFLICT(user_id, group_id) DO UPDATE SET
			requires_verification = CASE WHEN verified = 1 THEN requires_verification ELSE 1 END,
			state = CASE WHEN verified = 1 THEN state ELSE excluded.state END,
			updated_at = excluded.updated_at
	`, userID, groupID, state, now, now)

	if err != nil {
		return nil, fmt.Errorf("create verification for new member: %w", err)
	}
	return s.GetVerification(userID, groupID)
}

// CreateForExistingMember creates a lenient record for a user whose first
// observed interaction is a message; an existing record is not modified.
func (s *SQLiteStore) CreateForExistingMember(userID, groupID int64) (*Verification, error) {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO verifications (user_id, group_id, verified, requires_verification, created_at, updated_at)
		VALUES (?, ?, 0, 0, ?, ?)
		ON CONFLICT(user_id, group_id) DO NOTHING
	`, userID, groupID, now, now)

	if err != nil {
		return nil, fmt.Errorf("create verification for existing member: %w", err)
	}
	return s.GetVerification(userID, groupID)
}

// SetVerified marks the record verified and clears requires_verification
func (s *SQLiteStore) SetVerified(userID, groupID int64, vtype VerificationType) error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO verifications (user_id, group_id, verified, requires_verification, verification_type, state, created_at, updated_at, verified_at)
		VALUES (?, ?, 1, 0, ?, '', ?, ?, ?)
		ON CONFLICT(user_id, group_id) DO UPDATE SET
			verified = 1,
			requires_verification = 0,
			verification_type = excluded.verification_type,
			state = '',
			updated_at = excluded.updated_at,
			verified_at = excluded.verified_at
	`, userID, groupID, string(vtype), now, now, now)

	if err != nil {
		return fmt.Errorf("set verified: %w", err)
	}
	return nil
}

// SetState updates the conversation state marker
func (s *SQLiteStore) SetState(userID, groupID int64, state string) error {
	_, err := s.db.Exec(`
		UPDATE verifications SET state = ?, updated_at = ?
		WHERE user_id = ? AND group_id = ?
	`, state, time.Now(), userID, groupID)

	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

// IncrementAttempts atomically increments attempts_count
func (s *SQLiteStore) IncrementAttempts(userID, groupID int64) (int, error) {
	var count int
	err := s.db.QueryRow(`
		UPDATE verifications
		SET attempts_count = attempts_count + 1, updated_at = ?
		WHERE user_id = ? AND group_id = ?
		RETURNING attempts_count
	`, time.Now(), userID, groupID).Scan(&count)

	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("increment attempts: no verification record for user %d in group %d", userID, groupID)
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return count, nil
}

// DeleteVerification removes the record
func (s *SQLiteStore) DeleteVerification(userID, groupID int64) error {
	_, err := s.db.Exec("DELETE FROM verifications WHERE user_id = ? AND group_id = ?", userID, groupID)
	if err != nil {
		return fmt.Errorf("delete verification: %w", err)
	}
	return nil
}

// ListUserVerifications returns all records for a user across groups
func (s *SQLiteStore) ListUserVerifications(userID int64) ([]Verification, error) {
	rows, err := s.db.Query(`
		SELECT user_id, group_id, verified, requires_verification, verification_type,
		       attempts_count, state, created_at, updated_at, verified_at
		FROM verifications WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user verifications: %w", err)
	}
	defer rows.Close()

	var out []Verification
	for rows.Next() {
		var v Verification
		var verifiedAt sql.NullTime
		if err := rows.Scan(
			&v.UserID, &v.GroupID, &v.Verified, &v.RequiresVerification,
			&v.VerificationType, &v.AttemptsCount, &v.State,
			&v.CreatedAt, &v.UpdatedAt, &verifiedAt,
		); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		if verifiedAt.Valid {
			v.VerifiedAt = &verifiedAt.Time
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// IncrementOffenses atomically increments the blocked-message counter
func (s *SQLiteStore) IncrementOffenses(userID, groupID int64) (int, error) {
	now := time.Now()
	var count int
	err := s.db.QueryRow(`
		INSERT INTO offense_counts (user_id, group_id, count, first_message_at, last_message_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(user_id, group_id) DO UPDATE SET
			count = count + 1,
			last_message_at = excluded.last_message_at
		RETURNING count
	`, userID, groupID, now, now).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("increment offenses: %w", err)
	}
	return count, nil
}

// ResetOffenses clears the blocked-message counter
func (s *SQLiteStore) ResetOffenses(userID, groupID int64) error {
	_, err := s.db.Exec("DELETE FROM offense_counts WHERE user_id = ? AND group_id = ?", userID, groupID)
	if err != nil {
		return fmt.Errorf("reset offenses: %w", err)
	}
	return nil
}

// IsWhitelisted checks membership by user ID or username
func (s *SQLiteStore) IsWhitelisted(userID int64, username string, groupID int64) (bool, error) {
	var exists int
	err := s.db.QueryRow(`
		SELECT 1 FROM whitelist
		WHERE group_id = ? AND (user_id = ? OR (username != '' AND username = ?))
		LIMIT 1
	`, groupID, userID, username).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check whitelist: %w", err)
	}
	return true, nil
}

// AddWhitelist adds an entry
func (s *SQLiteStore) AddWhitelist(e WhitelistEntry) error {
	var userID any
	if e.UserID != 0 {
		userID = e.UserID
	}
	_, err := s.db.Exec(`
		INSERT INTO whitelist (group_id, user_id, username, added_by, notes, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.GroupID, userID, e.Username, e.AddedBy, e.Notes, time.Now())

	if err != nil {
		return fmt.Errorf("add whitelist entry: %w", err)
	}
	return nil
}

// RemoveWhitelist removes by user ID or username
func (s *SQLiteStore) RemoveWhitelist(groupID, userID int64, username string) (bool, error) {
	res, err := s.db.Exec(`
		DELETE FROM whitelist
		WHERE group_id = ? AND (user_id = ? OR (username != '' AND username = ?))
	`, groupID, userID, username)
	if err != nil {
		return false, fmt.Errorf("remove whitelist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove whitelist entry: %w", err)
	}
	return n > 0, nil
}

// ListWhitelist returns all entries for a group
func (s *SQLiteStore) ListWhitelist(groupID int64) ([]WhitelistEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, group_id, user_id, username, added_by, notes, added_at
		FROM whitelist WHERE group_id = ?
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}
	defer rows.Close()

	var out []WhitelistEntry
	for rows.Next() {
		var e WhitelistEntry
		var userID sql.NullInt64
		var username sql.NullString
		if err := rows.Scan(&e.ID, &e.GroupID, &userID, &username, &e.AddedBy, &e.Notes, &e.AddedAt); err != nil {
			return nil, fmt.Errorf("scan whitelist entry: %w", err)
		}
		e.UserID = userID.Int64
		e.Username = username.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetGroup returns a group, or nil if unknown
func (s *SQLiteStore) GetGroup(groupID int64) (*Group, error) {
	var g Group
	err := s.db.QueryRow(`
		SELECT group_id, group_name, is_active, checkin_mode, added_at, updated_at
		FROM groups WHERE group_id = ?
	`, groupID).Scan(&g.GroupID, &g.GroupName, &g.IsActive, &g.CheckinMode, &g.AddedAt, &g.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

// UpsertGroup creates or updates a group
func (s *SQLiteStore) UpsertGroup(g Group) error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO groups (group_id, group_name, is_active, checkin_mode, added_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			group_name = excluded.group_name,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`, g.GroupID, g.GroupName, g.IsActive, g.CheckinMode, now, now)

	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// SetGroupActive flips the bot-has-admin-rights flag
func (s *SQLiteStore) SetGroupActive(groupID int64, active bool) error {
	_, err := s.db.Exec(`
		UPDATE groups SET is_active = ?, updated_at = ? WHERE group_id = ?
	`, active, time.Now(), groupID)
	if err != nil {
		return fmt.Errorf("set group active: %w", err)
	}
	return nil
}

// ToggleCheckinMode flips checkin_mode, returning the new value
func (s *SQLiteStore) ToggleCheckinMode(groupID int64) (bool, error) {
	var mode bool
	err := s.db.QueryRow(`
		UPDATE groups SET checkin_mode = NOT checkin_mode, updated_at = ?
		WHERE group_id = ?
		RETURNING checkin_mode
	`, time.Now(), groupID).Scan(&mode)

	if err == sql.ErrNoRows {
		return false, fmt.Errorf("toggle checkin mode: group %d not found", groupID)
	}
	if err != nil {
		return false, fmt.Errorf("toggle checkin mode: %w", err)
	}
	return mode, nil
}

// ListActiveGroups returns all groups the bot currently administers
func (s *SQLiteStore) ListActiveGroups() ([]Group, error) {
	rows, err := s.db.Query(`
		SELECT group_id, group_name, is_active, checkin_mode, added_at, updated_at
		FROM groups WHERE is_active = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list active groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.GroupID, &g.GroupName, &g.IsActive, &g.CheckinMode, &g.AddedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// AddAudit appends an adjudication audit entry
func (s *SQLiteStore) AddAudit(e AuditEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (request_id, user_id, group_id, method, full_name, workplace, website_url, outcome, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RequestID, e.UserID, e.GroupID, e.Method, e.FullName, e.Workplace, e.WebsiteURL, e.Outcome, e.Payload, time.Now())

	if err != nil {
		return fmt.Errorf("add audit entry: %w", err)
	}
	return nil
}

// Close releases database resources
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
