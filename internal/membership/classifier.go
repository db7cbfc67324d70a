// Package membership turns raw chat-member transitions into
// verification actions: challenge new members, note leavers, keep the
// cached admin set current.
package membership

import (
	"log/slog"

	"medverify/internal/config"
	"medverify/internal/gate"
	"medverify/internal/store"
	"medverify/internal/verify"
)

// Membership statuses as reported by the platform.
const (
	StatusCreator       = "creator"
	StatusAdministrator = "administrator"
	StatusMember        = "member"
	StatusRestricted    = "restricted"
	StatusLeft          = "left"
	StatusKicked        = "kicked"
)

// Event is one membership transition in a group.
type Event struct {
	GroupID   int64
	GroupName string
	UserID    int64
	Username  string
	FirstName string
	IsBot     bool
	OldStatus string
	NewStatus string
}

// Messenger sends the join-time messages.
type Messenger interface {
	// SendWelcome posts a short in-group welcome with a deep-link
	// button, auto-deleted after a delay.
	SendWelcome(groupID, userID int64, firstName string) error

	// SendChallenge delivers the private verification challenge with a
	// start button. Fails when the user never opened a private chat
	// with the bot.
	SendChallenge(userID, groupID int64, groupName string) error

	// SendGroupFallback posts the in-group notice used when the
	// private challenge cannot be delivered.
	SendGroupFallback(groupID, userID int64, firstName string) error

	// InvalidateAdmins drops the cached administrator set for a group
	// so the next lookup refetches it.
	InvalidateAdmins(groupID int64)
}

// Scheduler is the slice of the removal scheduler the classifier drives.
type Scheduler interface {
	Schedule(userID, groupID int64)
	Cancel(userID, groupID int64)
}

// Classifier reacts to membership events for groups the bot administers.
type Classifier struct {
	store  store.Store
	cache  *gate.Cache
	msg    Messenger
	sched  Scheduler
	cfg    config.VerificationConfig
	selfID int64
	logger *slog.Logger
}

func New(st store.Store, cache *gate.Cache, msg Messenger, sched Scheduler, cfg config.VerificationConfig, selfID int64, logger *slog.Logger) *Classifier {
	return &Classifier{
		store:  st,
		cache:  cache,
		msg:    msg,
		sched:  sched,
		cfg:    cfg,
		selfID: selfID,
		logger: logger,
	}
}

func isMember(status string) bool {
	switch status {
	case StatusMember, StatusAdministrator, StatusCreator, StatusRestricted:
		return true
	}
	return false
}

func isAdmin(status string) bool {
	return status == StatusAdministrator || status == StatusCreator
}

// HandleEvent classifies a single transition and runs the matching path.
// The returned error covers store failures only; messaging failures are
// logged and absorbed.
func (c *Classifier) HandleEvent(e Event) error {
	if e.IsBot || e.UserID == c.selfID {
		return nil
	}
	if e.OldStatus == e.NewStatus {
		return nil
	}

	wasMember := isMember(e.OldStatus)
	nowMember := isMember(e.NewStatus)

	switch {
	case e.OldStatus == StatusRestricted && e.NewStatus == StatusMember:
		// An admin lifting a restriction re-admits the user. Same entry
		// path as a fresh join, matching the kicked -> member case.
		return c.handleJoin(e)
	case !wasMember && nowMember:
		return c.handleJoin(e)
	case wasMember && !nowMember:
		return c.handleLeave(e)
	case isAdmin(e.OldStatus) != isAdmin(e.NewStatus):
		// Promotion or demotion within membership. The admin set is
		// cached per group, force a refresh.
		c.msg.InvalidateAdmins(e.GroupID)
		c.logger.Info("admin status changed",
			"user_id", e.UserID,
			"group_id", e.GroupID,
			"old", e.OldStatus,
			"new", e.NewStatus)
		return nil
	default:
		return nil
	}
}

func (c *Classifier) handleJoin(e Event) error {
	group, err := c.store.GetGroup(e.GroupID)
	if err != nil {
		return err
	}
	if group == nil || !group.IsActive {
		return nil
	}

	existing, err := c.store.GetVerification(e.UserID, e.GroupID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Verified {
		c.logger.Info("verified member rejoined",
			"user_id", e.UserID,
			"group_id", e.GroupID)
		return nil
	}

	whitelisted, err := c.store.IsWhitelisted(e.UserID, e.Username, e.GroupID)
	if err != nil {
		return err
	}
	if whitelisted {
		if _, err := c.store.CreateForExistingMember(e.UserID, e.GroupID); err != nil {
			return err
		}
		if err := c.store.SetVerified(e.UserID, e.GroupID, store.TypeWhitelist); err != nil {
			return err
		}
		c.cache.PutVerified(e.UserID, e.GroupID)
		c.logger.Info("whitelisted member auto-verified on join",
			"user_id", e.UserID,
			"group_id", e.GroupID)
		return nil
	}

	if _, err := c.store.CreateForNewMember(e.UserID, e.GroupID, verify.StateWaitingForStart); err != nil {
		return err
	}

	if err := c.msg.SendWelcome(e.GroupID, e.UserID, e.FirstName); err != nil {
		c.logger.Warn("failed to send welcome message",
			"user_id", e.UserID,
			"group_id", e.GroupID,
			"error", err)
	}
	if err := c.msg.SendChallenge(e.UserID, e.GroupID, e.GroupName); err != nil {
		c.logger.Info("private challenge undeliverable, using group fallback",
			"user_id", e.UserID,
			"group_id", e.GroupID)
		if err := c.msg.SendGroupFallback(e.GroupID, e.UserID, e.FirstName); err != nil {
			c.logger.Warn("group fallback notice failed",
				"group_id", e.GroupID,
				"error", err)
		}
	}

	c.sched.Schedule(e.UserID, e.GroupID)

	c.logger.Info("new member challenged",
		"user_id", e.UserID,
		"group_id", e.GroupID,
		"old", e.OldStatus,
		"new", e.NewStatus)
	return nil
}

// handleLeave keeps the verification record so attempts_count stays
// visible across rejoin cycles. Only the removal timer is dropped.
func (c *Classifier) handleLeave(e Event) error {
	c.sched.Cancel(e.UserID, e.GroupID)

	v, err := c.store.GetVerification(e.UserID, e.GroupID)
	if err != nil {
		return err
	}
	if v != nil && !v.Verified && verify.HasStarted(v.State) {
		if err := c.store.SetState(e.UserID, e.GroupID, verify.StateLeftGroup); err != nil {
			return err
		}
	}

	c.logger.Info("member left group",
		"user_id", e.UserID,
		"group_id", e.GroupID,
		"old", e.OldStatus,
		"new", e.NewStatus)
	return nil
}
