package gate

import (
	"fmt"
	"log/slog"

	"medverify/internal/config"
	"medverify/internal/store"
)

// Decision is the outcome of gating one inbound group message.
type Decision int

const (
	// Allow passes the message through with no side effects
	Allow Decision = iota
	// Deleted means the message was removed and a reminder attempted
	Deleted
	// DeletedAndBanned means the spam threshold was reached and the user
	// was banned with their records purged
	DeletedAndBanned
)

// Message is one inbound group message as seen by the gate.
type Message struct {
	UserID    int64
	GroupID   int64
	MessageID int
	Username  string
	IsBot     bool
	IsCommand bool
	// IsAnonymousAdmin marks messages sent through the group's anonymous
	// admin identity.
	IsAnonymousAdmin bool
}

// Messenger is the messaging surface the gate needs.
type Messenger interface {
	DeleteMessage(chatID int64, messageID int) error
	BanMember(groupID, userID int64) error
	// SendVerifyReminder delivers a private reminder with a start-verification
	// action, falling back to an ephemeral in-group notice when the private
	// channel is unavailable.
	SendVerifyReminder(userID, groupID int64, groupName string) error
	IsGroupAdmin(groupID, userID int64) (bool, error)
}

// Gate is the unified per-message decision point for moderated groups.
type Gate struct {
	store       store.Store
	cache       *Cache
	msg         Messenger
	cfg         config.VerificationConfig
	globalAdmin map[int64]struct{}
	logger      *slog.Logger
}

// NewGate creates a message gate.
func NewGate(st store.Store, cache *Cache, msg Messenger, cfg config.VerificationConfig, adminIDs []int64, logger *slog.Logger) *Gate {
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &Gate{
		store:       st,
		cache:       cache,
		msg:         msg,
		cfg:         cfg,
		globalAdmin: admins,
		logger:      logger,
	}
}

// Handle runs the gating decision for one message. First match wins:
// bots, commands and admins pass; whitelisted users are auto-verified;
// verified users pass; everyone else is blocked according to the group's
// checkin mode and the record's requires_verification flag.
func (g *Gate) Handle(m Message) (Decision, error) {
	if m.IsBot || m.IsCommand || m.IsAnonymousAdmin {
		return Allow, nil
	}

	if _, ok := g.globalAdmin[m.UserID]; ok {
		return Allow, nil
	}
	if isAdmin, err := g.msg.IsGroupAdmin(m.GroupID, m.UserID); err != nil {
		g.logger.Debug("admin check failed", "error", err, "user_id", m.UserID, "group_id", m.GroupID)
	} else if isAdmin {
		return Allow, nil
	}

	group, err := g.store.GetGroup(m.GroupID)
	if err != nil {
		return Allow, fmt.Errorf("load group %d: %w", m.GroupID, err)
	}
	if group == nil || !group.IsActive {
		return Allow, nil
	}

	whitelisted, err := g.checkWhitelist(m)
	if err != nil {
		g.logger.Error("whitelist check failed", "error", err, "user_id", m.UserID, "group_id", m.GroupID)
	}
	if whitelisted {
		if err := g.autoVerify(m.UserID, m.GroupID); err != nil {
			g.logger.Error("whitelist auto-verify failed", "error", err, "user_id", m.UserID, "group_id", m.GroupID)
		}
		return Allow, nil
	}

	if g.cache.IsVerified(m.UserID, m.GroupID) {
		return Allow, nil
	}

	rec, err := g.store.GetVerification(m.UserID, m.GroupID)
	if err != nil {
		return Allow, fmt.Errorf("load verification: %w", err)
	}
	if rec == nil {
		// First observed interaction is a message: this account predates
		// the bot, so it gets the lenient pre-existing treatment.
		rec, err = g.store.CreateForExistingMember(m.UserID, m.GroupID)
		if err != nil {
			return Allow, fmt.Errorf("create verification record: %w", err)
		}
		g.logger.Debug("created record for pre-existing member", "user_id", m.UserID, "group_id", m.GroupID)
	}

	if rec.Verified {
		g.cache.PutVerified(m.UserID, m.GroupID)
		return Allow, nil
	}

	var reason string
	switch {
	case group.CheckinMode && rec.RequiresVerification:
		reason = "new member, checkin mode"
	case group.CheckinMode:
		reason = "pre-existing member, checkin mode"
	case rec.RequiresVerification:
		reason = "new member"
	default:
		// Pre-existing member, checkin off
		return Allow, nil
	}

	return g.block(m, group, reason)
}

func (g *Gate) block(m Message, group *store.Group, reason string) (Decision, error) {
	if err := g.msg.DeleteMessage(m.GroupID, m.MessageID); err != nil {
		g.logger.Error("failed to delete message", "error", err, "user_id", m.UserID, "group_id", m.GroupID)
	}

	count, err := g.store.IncrementOffenses(m.UserID, m.GroupID)
	if err != nil {
		return Deleted, fmt.Errorf("increment offense counter: %w", err)
	}

	g.logger.Info("blocked message",
		"user_id", m.UserID,
		"group_id", m.GroupID,
		"reason", reason,
		"offense_count", count,
	)

	if count >= g.cfg.SpamThreshold && g.cfg.EnableSpamProtection {
		return g.banAndPurge(m, group, count)
	}
	if count >= g.cfg.SpamThreshold {
		g.logger.Debug("spam threshold reached but protection disabled",
			"user_id", m.UserID, "group_id", m.GroupID, "offense_count", count)
	}

	if err := g.msg.SendVerifyReminder(m.UserID, m.GroupID, group.GroupName); err != nil {
		g.logger.Error("failed to send verification reminder", "error", err, "user_id", m.UserID)
	}
	return Deleted, nil
}

func (g *Gate) banAndPurge(m Message, group *store.Group, count int) (Decision, error) {
	if err := g.msg.BanMember(m.GroupID, m.UserID); err != nil {
		g.logger.Error("failed to ban user", "error", err, "user_id", m.UserID, "group_id", m.GroupID)
		return Deleted, nil
	}

	g.logger.Warn("user banned for spam",
		"user_id", m.UserID,
		"group_id", m.GroupID,
		"group_name", group.GroupName,
		"offense_count", count,
	)

	if err := g.store.DeleteVerification(m.UserID, m.GroupID); err != nil {
		g.logger.Error("failed to purge verification record", "error", err, "user_id", m.UserID, "group_id", m.GroupID)
	}
	if err := g.store.ResetOffenses(m.UserID, m.GroupID); err != nil {
		g.logger.Error("failed to purge offense counter", "error", err, "user_id", m.UserID, "group_id", m.GroupID)
	}
	g.cache.InvalidateVerified(m.UserID, m.GroupID)

	return DeletedAndBanned, nil
}

func (g *Gate) checkWhitelist(m Message) (bool, error) {
	if g.cache.IsWhitelisted(m.UserID, m.GroupID) {
		return true, nil
	}
	ok, err := g.store.IsWhitelisted(m.UserID, m.Username, m.GroupID)
	if err != nil {
		return false, err
	}
	if ok {
		g.cache.PutWhitelisted(m.UserID, m.GroupID)
	}
	return ok, nil
}

// autoVerify marks a whitelisted user verified with whitelist provenance.
// Idempotent: an already-verified record is left as is.
func (g *Gate) autoVerify(userID, groupID int64) error {
	rec, err := g.store.GetVerification(userID, groupID)
	if err != nil {
		return err
	}
	if rec != nil && rec.Verified {
		g.cache.PutVerified(userID, groupID)
		return nil
	}
	if rec == nil {
		if _, err := g.store.CreateForExistingMember(userID, groupID); err != nil {
			return err
		}
	}
	if err := g.store.SetVerified(userID, groupID, store.TypeWhitelist); err != nil {
		return err
	}
	g.cache.PutVerified(userID, groupID)
	g.logger.Info("whitelisted user auto-verified", "user_id", userID, "group_id", groupID)
	return nil
}
