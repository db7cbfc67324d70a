package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"medverify/internal/config"
	apperrors "medverify/internal/errors"
	"medverify/internal/gate"
	"medverify/internal/membership"
	"medverify/internal/store"
	"medverify/internal/verify"
)

// Handler routes Telegram updates to the gate, the conversation engine,
// the membership classifier, and the admin commands.
type Handler struct {
	api        *tgbotapi.BotAPI
	adapter    *Adapter
	engine     *verify.Engine
	gate       *gate.Gate
	classifier *membership.Classifier
	store      store.Store
	cache      *gate.Cache
	cfg        config.TelegramConfig
	logger     *slog.Logger
}

// NewHandler creates a new update handler.
func NewHandler(
	api *tgbotapi.BotAPI,
	adapter *Adapter,
	engine *verify.Engine,
	g *gate.Gate,
	classifier *membership.Classifier,
	st store.Store,
	cache *gate.Cache,
	cfg config.TelegramConfig,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		api:        api,
		adapter:    adapter,
		engine:     engine,
		gate:       g,
		classifier: classifier,
		store:      st,
		cache:      cache,
		cfg:        cfg,
		logger:     logger,
	}
}

// HandleUpdate processes a single update.
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.MyChatMember != nil:
		h.handleMyChatMember(update.MyChatMember)
	case update.ChatMember != nil:
		h.handleChatMember(update.ChatMember)
	case update.CallbackQuery != nil:
		h.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		h.handleMessage(ctx, update.Message)
	}
}

// handleMyChatMember tracks the bot's own standing in a group: the group
// becomes active when the bot is promoted to administrator and inactive
// when demoted or removed.
func (h *Handler) handleMyChatMember(cm *tgbotapi.ChatMemberUpdated) {
	chat := cm.Chat
	if !chat.IsGroup() && !chat.IsSuperGroup() {
		return
	}

	status := cm.NewChatMember.Status
	active := status == membership.StatusAdministrator

	if err := h.store.UpsertGroup(store.Group{
		GroupID:   chat.ID,
		GroupName: chat.Title,
		IsActive:  active,
	}); err != nil {
		h.logger.Error("failed to upsert group", "error", err, "group_id", chat.ID)
		return
	}

	h.logger.Info("bot membership changed",
		"group_id", chat.ID,
		"group_name", chat.Title,
		"status", status,
		"active", active)
}

func (h *Handler) handleChatMember(cm *tgbotapi.ChatMemberUpdated) {
	chat := cm.Chat
	if !chat.IsGroup() && !chat.IsSuperGroup() {
		return
	}
	user := cm.NewChatMember.User
	if user == nil {
		return
	}

	event := membership.Event{
		GroupID:   chat.ID,
		GroupName: chat.Title,
		UserID:    user.ID,
		Username:  user.UserName,
		FirstName: user.FirstName,
		IsBot:     user.IsBot,
		OldStatus: cm.OldChatMember.Status,
		NewStatus: cm.NewChatMember.Status,
	}
	if err := h.classifier.HandleEvent(event); err != nil {
		h.logger.Error("membership event failed",
			"error", err,
			"user_id", user.ID,
			"group_id", chat.ID)
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	// Acknowledge immediately so the client stops its spinner.
	if _, err := h.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		h.logger.Debug("failed to answer callback", "error", err)
	}

	userID := cb.From.ID
	data := cb.Data

	var err error
	switch {
	case strings.HasPrefix(data, callbackStartPrefix):
		var groupID int64
		groupID, err = strconv.ParseInt(strings.TrimPrefix(data, callbackStartPrefix), 10, 64)
		if err != nil {
			h.logger.Warn("malformed callback payload", "data", data, "user_id", userID)
			return
		}
		err = h.engine.Start(ctx, userID, groupID)
	case data == callbackMethodWebsite:
		err = h.engine.ChooseMethod(ctx, userID, verify.MethodWebsite)
	case data == callbackMethodDoc:
		err = h.engine.ChooseMethod(ctx, userID, verify.MethodDocument)
	default:
		h.logger.Debug("unknown callback", "data", data, "user_id", userID)
		return
	}

	if err != nil {
		h.logger.Info("callback rejected",
			"data", data,
			"user_id", userID,
			"error", err)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.From == nil {
		return
	}

	if msg.Chat.IsPrivate() {
		h.handlePrivateMessage(ctx, msg)
		return
	}
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		h.handleGroupMessage(ctx, msg)
	}
}

func (h *Handler) handlePrivateMessage(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			h.handleStart(ctx, msg)
		case "profile":
			h.handleProfile(msg)
		case "help":
			h.sendText(msg.Chat.ID,
				"This bot verifies medical professionals for moderated groups.\n\n"+
					"/start - begin or resume verification\n"+
					"/profile - show your verification status\n"+
					"/help - this message")
		default:
			h.sendText(msg.Chat.ID, "Unknown command. Use /help for available commands.")
		}
		return
	}

	if !h.engine.HasSession(userID) {
		h.sendText(msg.Chat.ID,
			"No verification in progress. Use /start to begin.")
		return
	}

	in := verify.Input{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		IsGroup:   false,
		Text:      msg.Text,
	}

	if doc, ok := extractDocument(msg); ok {
		if err := h.engine.HandleDocument(ctx, userID, in, doc); err != nil {
			h.logger.Info("document rejected", "user_id", userID, "error", err)
		}
		return
	}

	if err := h.engine.HandleText(ctx, userID, in); err != nil {
		h.logger.Info("text input rejected", "user_id", userID, "error", err)
	}
}

// handleStart resolves the target group: a verify_<id> deep link names
// one group, a bare /start lists every group with a pending challenge.
func (h *Handler) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	arg := strings.TrimSpace(msg.CommandArguments())

	if strings.HasPrefix(arg, "verify_") {
		groupID, err := strconv.ParseInt(strings.TrimPrefix(arg, "verify_"), 10, 64)
		if err != nil {
			h.sendText(msg.Chat.ID, "Invalid verification link. Use the button from the group message.")
			return
		}
		if err := h.engine.Start(ctx, userID, groupID); err != nil {
			h.logger.Info("start via deep link rejected",
				"user_id", userID,
				"group_id", groupID,
				"error", err)
		}
		return
	}

	pending, err := h.pendingGroups(userID)
	if err != nil {
		h.logger.Error("failed to list pending groups", "error", err, "user_id", userID)
		h.sendText(msg.Chat.ID, apperrors.GetUserMessage(err))
		return
	}

	if len(pending) == 0 {
		h.sendText(msg.Chat.ID,
			"Hello! This bot verifies medical professionals for moderated groups.\n\n"+
				"You have no pending verifications. Join a group the bot moderates and "+
				"you will receive instructions here.")
		return
	}

	if len(pending) == 1 {
		if err := h.engine.Start(ctx, userID, pending[0].GroupID); err != nil {
			h.logger.Info("start rejected",
				"user_id", userID,
				"group_id", pending[0].GroupID,
				"error", err)
		}
		return
	}

	reply := tgbotapi.NewMessage(msg.Chat.ID, "Choose the group to verify for:")
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(pending))
	for _, g := range pending {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(g.GroupName,
				fmt.Sprintf("%s%d", callbackStartPrefix, g.GroupID)),
		))
	}
	reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := h.api.Send(reply); err != nil {
		h.logger.Error("failed to send group picker", "error", err, "user_id", userID)
	}
}

func (h *Handler) pendingGroups(userID int64) ([]store.Group, error) {
	records, err := h.store.ListUserVerifications(userID)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}

	var pending []store.Group
	for _, rec := range records {
		if rec.Verified || !rec.RequiresVerification {
			continue
		}
		g, err := h.store.GetGroup(rec.GroupID)
		if err != nil || g == nil || !g.IsActive {
			continue
		}
		pending = append(pending, *g)
	}
	return pending, nil
}

func (h *Handler) handleProfile(msg *tgbotapi.Message) {
	userID := msg.From.ID

	records, err := h.store.ListUserVerifications(userID)
	if err != nil {
		h.logger.Error("failed to load profile", "error", err, "user_id", userID)
		h.sendText(msg.Chat.ID, apperrors.GetUserMessage(err))
		return
	}
	if len(records) == 0 {
		h.sendText(msg.Chat.ID, "No verification records yet.")
		return
	}

	var b strings.Builder
	b.WriteString("Your verification status:\n")
	for _, rec := range records {
		name := fmt.Sprintf("group %d", rec.GroupID)
		if g, err := h.store.GetGroup(rec.GroupID); err == nil && g != nil {
			name = g.GroupName
		}
		switch {
		case rec.Verified:
			fmt.Fprintf(&b, "\n%s: verified (%s)", name, rec.VerificationType)
		case rec.RequiresVerification:
			fmt.Fprintf(&b, "\n%s: verification required, attempts used %d", name, rec.AttemptsCount)
		default:
			fmt.Fprintf(&b, "\n%s: no verification required", name)
		}
	}
	h.sendText(msg.Chat.ID, b.String())
}

func (h *Handler) handleGroupMessage(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	groupID := msg.Chat.ID

	if msg.IsCommand() {
		h.handleGroupCommand(msg)
		return
	}

	// Conversation input leaking into the group is the engine's concern;
	// it deletes the message and steers the user back to private chat.
	if h.engine.HasSession(userID) {
		in := verify.Input{
			ChatID:    groupID,
			MessageID: msg.MessageID,
			IsGroup:   true,
			Text:      msg.Text,
		}
		if doc, ok := extractDocument(msg); ok {
			if err := h.engine.HandleDocument(ctx, userID, in, doc); err != nil {
				h.logger.Debug("group document input", "user_id", userID, "error", err)
			}
			return
		}
		if err := h.engine.HandleText(ctx, userID, in); err != nil {
			h.logger.Debug("group text input", "user_id", userID, "error", err)
		}
		return
	}

	gm := gate.Message{
		UserID:           userID,
		GroupID:          groupID,
		MessageID:        msg.MessageID,
		Username:         msg.From.UserName,
		IsBot:            msg.From.IsBot,
		IsCommand:        false,
		IsAnonymousAdmin: msg.SenderChat != nil && msg.SenderChat.ID == groupID,
	}
	if _, err := h.gate.Handle(gm); err != nil {
		h.logger.Error("gate failure",
			"error", err,
			"user_id", userID,
			"group_id", groupID)
	}
}

func (h *Handler) handleGroupCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "checkin":
		h.handleCheckin(msg)
	case "whitelist_add":
		h.handleWhitelistAdd(msg)
	case "whitelist_remove":
		h.handleWhitelistRemove(msg)
	case "whitelist":
		h.handleWhitelistList(msg)
	}
}

// requireGroupAdmin checks the issuer's standing. The anonymous-admin
// identity posts as the group itself and is always an admin.
func (h *Handler) requireGroupAdmin(msg *tgbotapi.Message) bool {
	if msg.SenderChat != nil && msg.SenderChat.ID == msg.Chat.ID {
		return true
	}
	for _, id := range h.cfg.AdminUserIDs {
		if msg.From.ID == id {
			return true
		}
	}
	isAdmin, err := h.adapter.IsGroupAdmin(msg.Chat.ID, msg.From.ID)
	if err != nil {
		h.logger.Error("admin check failed",
			"error", err,
			"user_id", msg.From.ID,
			"group_id", msg.Chat.ID)
		return false
	}
	return isAdmin
}

func (h *Handler) handleCheckin(msg *tgbotapi.Message) {
	groupID := msg.Chat.ID
	if !h.requireGroupAdmin(msg) {
		h.deleteQuietly(groupID, msg.MessageID)
		return
	}

	enabled, err := h.store.ToggleCheckinMode(groupID)
	if err != nil {
		h.logger.Error("failed to toggle checkin mode", "error", err, "group_id", groupID)
		return
	}

	text := "Check-in mode disabled. Only members flagged for verification are gated."
	if enabled {
		text = "Check-in mode enabled. Every unverified member is gated, including pre-existing ones."
	}
	h.replyEphemeral(msg, text)

	h.logger.Info("checkin mode toggled",
		"group_id", groupID,
		"enabled", enabled,
		"by", msg.From.ID)
}

// parseWhitelistTarget accepts a numeric user ID or an @username.
func parseWhitelistTarget(arg string) (userID int64, username string, ok bool) {
	if arg == "" {
		return 0, "", false
	}
	if strings.HasPrefix(arg, "@") {
		name := strings.TrimPrefix(arg, "@")
		if name == "" {
			return 0, "", false
		}
		return 0, name, true
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", false
	}
	return id, "", true
}

func (h *Handler) handleWhitelistAdd(msg *tgbotapi.Message) {
	groupID := msg.Chat.ID
	if !h.requireGroupAdmin(msg) {
		h.deleteQuietly(groupID, msg.MessageID)
		return
	}

	fields := strings.Fields(msg.CommandArguments())
	if len(fields) == 0 {
		h.replyEphemeral(msg, "Usage: /whitelist_add <user_id|@username> [notes]")
		return
	}
	userID, username, ok := parseWhitelistTarget(fields[0])
	if !ok {
		h.replyEphemeral(msg, "Provide a numeric user ID or an @username.")
		return
	}
	notes := strings.Join(fields[1:], " ")

	entry := store.WhitelistEntry{
		GroupID:  groupID,
		UserID:   userID,
		Username: username,
		AddedBy:  msg.From.ID,
		Notes:    notes,
	}
	if err := h.store.AddWhitelist(entry); err != nil {
		h.logger.Error("failed to add whitelist entry", "error", err, "group_id", groupID)
		h.replyEphemeral(msg, "Failed to update the whitelist.")
		return
	}

	// A pending verification for the same user completes immediately.
	if userID != 0 {
		h.cache.PutWhitelisted(userID, groupID)
		if rec, err := h.store.GetVerification(userID, groupID); err == nil && rec != nil && !rec.Verified {
			if err := h.store.SetVerified(userID, groupID, store.TypeWhitelist); err != nil {
				h.logger.Error("failed to auto-complete verification",
					"error", err,
					"user_id", userID,
					"group_id", groupID)
			} else {
				h.cache.PutVerified(userID, groupID)
			}
		}
	}

	target := fields[0]
	h.replyEphemeral(msg, fmt.Sprintf("Added %s to the whitelist.", target))

	h.logger.Info("whitelist entry added",
		"group_id", groupID,
		"target", target,
		"by", msg.From.ID)
}

func (h *Handler) handleWhitelistRemove(msg *tgbotapi.Message) {
	groupID := msg.Chat.ID
	if !h.requireGroupAdmin(msg) {
		h.deleteQuietly(groupID, msg.MessageID)
		return
	}

	arg := strings.TrimSpace(msg.CommandArguments())
	userID, username, ok := parseWhitelistTarget(arg)
	if !ok {
		h.replyEphemeral(msg, "Usage: /whitelist_remove <user_id|@username>")
		return
	}

	removed, err := h.store.RemoveWhitelist(groupID, userID, username)
	if err != nil {
		h.logger.Error("failed to remove whitelist entry", "error", err, "group_id", groupID)
		h.replyEphemeral(msg, "Failed to update the whitelist.")
		return
	}
	if !removed {
		h.replyEphemeral(msg, fmt.Sprintf("%s is not on the whitelist.", arg))
		return
	}

	if userID != 0 {
		h.cache.InvalidateWhitelisted(userID, groupID)
		h.cache.InvalidateVerified(userID, groupID)
	}

	h.replyEphemeral(msg, fmt.Sprintf("Removed %s from the whitelist.", arg))

	h.logger.Info("whitelist entry removed",
		"group_id", groupID,
		"target", arg,
		"by", msg.From.ID)
}

func (h *Handler) handleWhitelistList(msg *tgbotapi.Message) {
	groupID := msg.Chat.ID
	if !h.requireGroupAdmin(msg) {
		h.deleteQuietly(groupID, msg.MessageID)
		return
	}

	entries, err := h.store.ListWhitelist(groupID)
	if err != nil {
		h.logger.Error("failed to list whitelist", "error", err, "group_id", groupID)
		return
	}
	if len(entries) == 0 {
		h.replyEphemeral(msg, "The whitelist is empty.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Whitelist (%d):", len(entries))
	for _, e := range entries {
		if e.Username != "" {
			fmt.Fprintf(&b, "\n@%s", e.Username)
		} else {
			fmt.Fprintf(&b, "\n%d", e.UserID)
		}
		if e.Notes != "" {
			fmt.Fprintf(&b, " (%s)", e.Notes)
		}
	}
	h.replyEphemeral(msg, b.String())
}

// replyEphemeral answers an admin command in the group and removes both
// the command and the answer shortly after.
func (h *Handler) replyEphemeral(msg *tgbotapi.Message, text string) {
	sent, err := h.api.Send(tgbotapi.NewMessage(msg.Chat.ID, text))
	if err != nil {
		h.logger.Error("failed to reply in group", "error", err, "group_id", msg.Chat.ID)
		return
	}
	h.adapter.autoDelete(msg.Chat.ID, sent.MessageID, 10*time.Second)
	h.adapter.autoDelete(msg.Chat.ID, msg.MessageID, 10*time.Second)
}

func (h *Handler) deleteQuietly(chatID int64, messageID int) {
	if err := h.adapter.DeleteMessage(chatID, messageID); err != nil {
		h.logger.Debug("failed to delete message", "error", err, "chat_id", chatID)
	}
}

func (h *Handler) sendText(chatID int64, text string) {
	if _, err := h.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		h.logger.Error("failed to send message", "error", err, "chat_id", chatID)
	}
}

// extractDocument pulls evidence out of a message: the largest photo
// size, or an attached file with its declared MIME type.
func extractDocument(msg *tgbotapi.Message) (verify.Document, bool) {
	if len(msg.Photo) > 0 {
		best := msg.Photo[len(msg.Photo)-1]
		return verify.Document{
			FileID:   best.FileID,
			FileSize: int64(best.FileSize),
			IsPhoto:  true,
		}, true
	}
	if msg.Document != nil {
		return verify.Document{
			FileID:   msg.Document.FileID,
			MIMEType: msg.Document.MimeType,
			FileSize: int64(msg.Document.FileSize),
		}, true
	}
	return verify.Document{}, false
}
