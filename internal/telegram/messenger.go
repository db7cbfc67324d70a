package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Callback payloads understood by the handler.
const (
	callbackStartPrefix   = "start_verification:"
	callbackMethodWebsite = "method_website"
	callbackMethodDoc     = "method_document"
)

// How long cached admin sets stay valid before a refetch.
const adminCacheTTL = 5 * time.Minute

// Lifetimes of auto-deleted group notices.
const (
	welcomeNoticeTTL  = 5 * time.Minute
	fallbackNoticeTTL = 60 * time.Second
)

type adminSet struct {
	ids       map[int64]struct{}
	fetchedAt time.Time
}

// Adapter implements the narrow messaging interfaces the core packages
// consume (engine, gate, classifier, scheduler) on top of the Bot API.
type Adapter struct {
	api    *tgbotapi.BotAPI
	http   *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	admins map[int64]adminSet
}

// NewAdapter creates the platform adapter.
func NewAdapter(api *tgbotapi.BotAPI, logger *slog.Logger) *Adapter {
	return &Adapter{
		api:    api,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: logger,
		admins: make(map[int64]adminSet),
	}
}

func (a *Adapter) deepLink(groupID int64) string {
	return fmt.Sprintf("https://t.me/%s?start=verify_%d", a.api.Self.UserName, groupID)
}

// SendPrivate delivers a plain text message to the user's private chat.
func (a *Adapter) SendPrivate(userID int64, text string) error {
	msg := tgbotapi.NewMessage(userID, text)
	if _, err := a.api.Send(msg); err != nil {
		return fmt.Errorf("send private message: %w", err)
	}
	return nil
}

// PromptMethodChoice sends the step-3 method selection keyboard.
func (a *Adapter) PromptMethodChoice(userID int64) error {
	msg := tgbotapi.NewMessage(userID,
		"Step 3/4: Choose a verification method\n\n"+
			"Website: provide your organization's official website, we check it for a mention of your name.\n"+
			"Document: upload a photo or scan of a medical diploma, certificate, or physician ID.")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Organization website", callbackMethodWebsite),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Document upload", callbackMethodDoc),
		),
	)
	if _, err := a.api.Send(msg); err != nil {
		return fmt.Errorf("send method prompt: %w", err)
	}
	return nil
}

// DeleteMessage removes a message from a chat.
func (a *Adapter) DeleteMessage(chatID int64, messageID int) error {
	if _, err := a.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("delete message %d in chat %d: %w", messageID, chatID, err)
	}
	return nil
}

// BanMember permanently bans a user from a group.
func (a *Adapter) BanMember(groupID, userID int64) error {
	cfg := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{
			ChatID: groupID,
			UserID: userID,
		},
	}
	if _, err := a.api.Request(cfg); err != nil {
		return fmt.Errorf("ban user %d in group %d: %w", userID, groupID, err)
	}
	return nil
}

// Kick removes a user without a lasting ban: ban, then immediately
// unban so they can rejoin via an invite link.
func (a *Adapter) Kick(groupID, userID int64) error {
	if err := a.BanMember(groupID, userID); err != nil {
		return err
	}
	unban := tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{
			ChatID: groupID,
			UserID: userID,
		},
		OnlyIfBanned: true,
	}
	if _, err := a.api.Request(unban); err != nil {
		return fmt.Errorf("unban user %d in group %d: %w", userID, groupID, err)
	}
	return nil
}

// IsGroupAdmin reports whether the user administers the group, using a
// cached admin set refreshed every few minutes.
func (a *Adapter) IsGroupAdmin(groupID, userID int64) (bool, error) {
	a.mu.Lock()
	set, ok := a.admins[groupID]
	a.mu.Unlock()

	if !ok || time.Since(set.fetchedAt) > adminCacheTTL {
		fresh, err := a.fetchAdmins(groupID)
		if err != nil {
			return false, err
		}
		set = fresh
	}

	_, isAdmin := set.ids[userID]
	return isAdmin, nil
}

// InvalidateAdmins drops the cached admin set for a group.
func (a *Adapter) InvalidateAdmins(groupID int64) {
	a.mu.Lock()
	delete(a.admins, groupID)
	a.mu.Unlock()
}

func (a *Adapter) fetchAdmins(groupID int64) (adminSet, error) {
	cfg := tgbotapi.ChatAdministratorsConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: groupID},
	}
	members, err := a.api.GetChatAdministrators(cfg)
	if err != nil {
		return adminSet{}, fmt.Errorf("get chat administrators: %w", err)
	}

	set := adminSet{
		ids:       make(map[int64]struct{}, len(members)),
		fetchedAt: time.Now(),
	}
	for _, m := range members {
		if m.User != nil {
			set.ids[m.User.ID] = struct{}{}
		}
	}

	a.mu.Lock()
	a.admins[groupID] = set
	a.mu.Unlock()

	return set, nil
}

// SendVerifyReminder nudges a blocked user in private. When the private
// send fails (the user never opened a chat with the bot), an ephemeral
// in-group notice with a deep link is posted instead.
func (a *Adapter) SendVerifyReminder(userID, groupID int64, groupName string) error {
	text := fmt.Sprintf(
		"Your message in %q was removed because you are not verified yet.\n\n"+
			"Complete verification to post in the group.", groupName)
	msg := tgbotapi.NewMessage(userID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Start verification",
				fmt.Sprintf("%s%d", callbackStartPrefix, groupID)),
		),
	)
	if _, err := a.api.Send(msg); err == nil {
		return nil
	}

	notice := tgbotapi.NewMessage(groupID,
		"Your message was removed. Please verify your identity with the bot to post here.")
	notice.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("Start verification", a.deepLink(groupID)),
		),
	)
	sent, err := a.api.Send(notice)
	if err != nil {
		return fmt.Errorf("send in-group reminder: %w", err)
	}
	a.autoDelete(groupID, sent.MessageID, fallbackNoticeTTL)
	return nil
}

// SendWelcome posts the in-group greeting for a new member.
func (a *Adapter) SendWelcome(groupID, userID int64, firstName string) error {
	if firstName == "" {
		firstName = "there"
	}
	msg := tgbotapi.NewMessage(groupID, fmt.Sprintf(
		"Welcome, %s! This group is for verified medical professionals.\n\n"+
			"Please verify your identity with the bot before posting.", firstName))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("Verify", a.deepLink(groupID)),
		),
	)
	sent, err := a.api.Send(msg)
	if err != nil {
		return fmt.Errorf("send welcome: %w", err)
	}
	a.autoDelete(groupID, sent.MessageID, welcomeNoticeTTL)
	return nil
}

// SendChallenge delivers the private verification challenge.
func (a *Adapter) SendChallenge(userID, groupID int64, groupName string) error {
	text := fmt.Sprintf(
		"You joined %q, a group for verified medical professionals.\n\n"+
			"To post in the group, confirm your professional identity. "+
			"You will be asked for your full name, your workplace, and one piece of evidence "+
			"(an organization website or a document).", groupName)
	msg := tgbotapi.NewMessage(userID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Start verification",
				fmt.Sprintf("%s%d", callbackStartPrefix, groupID)),
		),
	)
	if _, err := a.api.Send(msg); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}
	return nil
}

// SendGroupFallback posts the in-group notice used when the private
// challenge cannot be delivered.
func (a *Adapter) SendGroupFallback(groupID, userID int64, firstName string) error {
	if firstName == "" {
		firstName = "New member"
	}
	msg := tgbotapi.NewMessage(groupID, fmt.Sprintf(
		"%s, please open a chat with the bot to verify your identity. "+
			"Unverified members cannot post and are removed after the deadline.", firstName))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("Verify", a.deepLink(groupID)),
		),
	)
	sent, err := a.api.Send(msg)
	if err != nil {
		return fmt.Errorf("send group fallback: %w", err)
	}
	a.autoDelete(groupID, sent.MessageID, fallbackNoticeTTL)
	return nil
}

// NotifyRemoved tells a user they were removed for missing the deadline.
func (a *Adapter) NotifyRemoved(userID, groupID int64, groupName string) error {
	text := fmt.Sprintf(
		"You were removed from %q because verification was not started in time.\n\n"+
			"You can rejoin the group and verify again.", groupName)
	return a.SendPrivate(userID, text)
}

// FetchFile downloads an uploaded file by its platform file ID.
func (a *Adapter) FetchFile(ctx context.Context, fileID string) ([]byte, error) {
	file, err := a.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}

	url := file.Link(a.api.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	return data, nil
}

// autoDelete schedules best-effort removal of an ephemeral notice.
func (a *Adapter) autoDelete(chatID int64, messageID int, after time.Duration) {
	time.AfterFunc(after, func() {
		if err := a.DeleteMessage(chatID, messageID); err != nil {
			a.logger.Debug("failed to auto-delete notice",
				"chat_id", chatID,
				"message_id", messageID,
				"error", err)
		}
	})
}
