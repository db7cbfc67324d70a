// Package telegram adapts the Bot API to the narrow interfaces the core
// packages consume, and routes inbound updates to them.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"medverify/internal/config"
)

// Bot runs the long-polling update loop.
type Bot struct {
	api     *tgbotapi.BotAPI
	handler *Handler
	cfg     config.TelegramConfig
	logger  *slog.Logger

	// Track active update processing
	activeRequests sync.WaitGroup
}

// NewAPI connects to the Bot API. The resulting client is shared by the
// Adapter and the Bot.
func NewAPI(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return api, nil
}

// NewBot wires the update loop to an already-constructed handler graph.
func NewBot(api *tgbotapi.BotAPI, handler *Handler, cfg config.TelegramConfig, logger *slog.Logger) *Bot {
	return &Bot{
		api:     api,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run starts the bot and blocks until context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollingTimeout
	// chat_member transitions are only delivered when asked for explicitly.
	u.AllowedUpdates = []string{
		tgbotapi.UpdateTypeMessage,
		tgbotapi.UpdateTypeCallbackQuery,
		tgbotapi.UpdateTypeChatMember,
		tgbotapi.UpdateTypeMyChatMember,
	}

	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("bot started", "username", b.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("stopping bot, waiting for active updates")

			// Stop receiving updates
			b.api.StopReceivingUpdates()

			// Wait for active updates with timeout
			done := make(chan struct{})
			go func() {
				b.activeRequests.Wait()
				close(done)
			}()

			select {
			case <-done:
				b.logger.Info("all active updates completed")
			case <-time.After(25 * time.Second):
				b.logger.Warn("some updates may not have completed")
			}

			return ctx.Err()

		case update, ok := <-updates:
			if !ok {
				return nil
			}

			// Process update in goroutine
			b.activeRequests.Add(1)
			go func(upd tgbotapi.Update) {
				defer b.activeRequests.Done()

				// Create request context with timeout
				reqCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
				defer cancel()

				b.handler.HandleUpdate(reqCtx, upd)
			}(update)
		}
	}
}

// GetBotInfo returns information about the bot account.
func (b *Bot) GetBotInfo() tgbotapi.User {
	return b.api.Self
}
