package vigil

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const maintenanceReply = "🛠 I'm down for maintenance right now. I'll be back shortly, your settings and sessions are safe."

// RunMaintenance runs a stand-in bot on the same token that answers every
// private message with a maintenance notice. Meant to be started instead of
// the real process during upgrades so users aren't met with silence. Blocks
// until ctx is cancelled.
func RunMaintenance(ctx context.Context, configPath string, log zerolog.Logger) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("failed to authenticate bot: %w", err)
	}
	log = log.With().Str("component", "maintenance").Logger()
	log.Info().Str("bot_username", api.Self.UserName).Msg("Maintenance responder started")

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := api.GetUpdatesChan(updateConfig)
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || !update.Message.Chat.IsPrivate() {
				continue
			}
			if _, err := api.Send(tgbotapi.NewMessage(update.Message.Chat.ID, maintenanceReply)); err != nil {
				log.Warn().Err(err).Int64("chat_id", update.Message.Chat.ID).Msg("Failed to send maintenance reply")
			}
		case <-ctx.Done():
			api.StopReceivingUpdates()
			return nil
		}
	}
}
