// Package scheduler removes members who never start verification before
// the deadline. Timers live in memory only; pending removals do not
// survive a restart.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"medverify/internal/config"
	"medverify/internal/store"
	"medverify/internal/verify"
)

// Remover performs the group-side removal and the courtesy notification.
type Remover interface {
	// Kick removes the user from the group without a permanent ban.
	Kick(groupID, userID int64) error

	// NotifyRemoved tells the user privately why they were removed.
	// Best effort, the user may have blocked the bot.
	NotifyRemoved(userID, groupID int64, groupName string) error
}

type timerKey struct {
	userID  int64
	groupID int64
}

// Scheduler tracks one pending removal per (user, group).
type Scheduler struct {
	store  store.Store
	rm     Remover
	cfg    config.VerificationConfig
	logger *slog.Logger

	mu     sync.Mutex
	timers map[timerKey]*time.Timer

	// overridden in tests
	deadline time.Duration
}

func New(st store.Store, rm Remover, cfg config.VerificationConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		rm:       rm,
		cfg:      cfg,
		logger:   logger,
		timers:   make(map[timerKey]*time.Timer),
		deadline: cfg.StartDeadline,
	}
}

// Schedule arms the removal timer for a freshly challenged member.
// Scheduling again for the same pair replaces the earlier timer, so a
// leave-and-rejoin gets a full fresh deadline.
func (s *Scheduler) Schedule(userID, groupID int64) {
	key := timerKey{userID: userID, groupID: groupID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(s.deadline, func() {
		s.fire(key)
	})

	s.logger.Info("scheduled removal check",
		"user_id", userID,
		"group_id", groupID,
		"deadline", s.deadline)
}

// Cancel disarms a pending removal, typically because the user left on
// their own. No-op when nothing is pending.
func (s *Scheduler) Cancel(userID, groupID int64) {
	key := timerKey{userID: userID, groupID: groupID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// Stop disarms every pending timer. Called on shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

func (s *Scheduler) fire(key timerKey) {
	s.mu.Lock()
	delete(s.timers, key)
	s.mu.Unlock()

	if !s.cfg.AutoDeleteUnverified {
		s.logger.Info("auto-delete disabled, keeping unverified member",
			"user_id", key.userID,
			"group_id", key.groupID)
		return
	}

	// Re-read the record at expiry. The decision is made on current
	// state, never on what was true at scheduling time.
	v, err := s.store.GetVerification(key.userID, key.groupID)
	if err != nil {
		s.logger.Error("removal check failed to load record",
			"user_id", key.userID,
			"group_id", key.groupID,
			"error", err)
		return
	}
	if v == nil || v.Verified {
		return
	}
	if verify.HasStarted(v.State) {
		s.logger.Info("user started verification, skipping removal",
			"user_id", key.userID,
			"group_id", key.groupID,
			"state", v.State)
		return
	}

	if err := s.rm.Kick(key.groupID, key.userID); err != nil {
		s.logger.Error("failed to remove unverified member",
			"user_id", key.userID,
			"group_id", key.groupID,
			"error", err)
		return
	}

	if err := s.store.SetState(key.userID, key.groupID, verify.StateVerificationTimeout); err != nil {
		s.logger.Error("failed to mark verification timeout",
			"user_id", key.userID,
			"group_id", key.groupID,
			"error", err)
	}

	groupName := ""
	if g, err := s.store.GetGroup(key.groupID); err == nil && g != nil {
		groupName = g.GroupName
	}
	if err := s.rm.NotifyRemoved(key.userID, key.groupID, groupName); err != nil {
		s.logger.Debug("could not notify removed user",
			"user_id", key.userID,
			"error", err)
	}

	s.logger.Info("removed unverified member",
		"user_id", key.userID,
		"group_id", key.groupID)
}
