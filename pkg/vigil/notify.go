package vigil

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Notifier is the primary bot channel as seen by the core: fire-and-forget
// delivery to a user's private chat with the bot. Implementations log
// delivery failures but never retry; the caller treats every send as
// best-effort.
type Notifier interface {
	SendText(ctx context.Context, userID int64, text string)
	// SendFile delivers a local file as the given media kind with an
	// optional caption. Unknown kinds degrade to a generic document.
	SendFile(ctx context.Context, userID int64, kind MediaKind, path, caption string)
}

// telegramNotifier sends through the Bot API, throttled by a single global
// limiter so bursts of deletion alerts can't trip Telegram's flood control.
type telegramNotifier struct {
	api     *tgbotapi.BotAPI
	limiter *rate.Limiter
	log     zerolog.Logger
}

func newTelegramNotifier(api *tgbotapi.BotAPI, cfg NotifyConfig, log zerolog.Logger) *telegramNotifier {
	return &telegramNotifier{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		log:     log.With().Str("component", "notifier").Logger(),
	}
}

func (n *telegramNotifier) send(ctx context.Context, userID int64, c tgbotapi.Chattable) {
	if err := n.limiter.Wait(ctx); err != nil {
		n.log.Warn().Err(err).Int64("user_id", userID).Msg("Notification dropped before send")
		return
	}
	if _, err := n.api.Send(c); err != nil {
		n.log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to deliver notification")
	}
}

func (n *telegramNotifier) SendText(ctx context.Context, userID int64, text string) {
	n.send(ctx, userID, tgbotapi.NewMessage(userID, text))
}

func (n *telegramNotifier) SendFile(ctx context.Context, userID int64, kind MediaKind, path, caption string) {
	file := tgbotapi.FilePath(path)
	var c tgbotapi.Chattable
	switch kind {
	case MediaPhoto:
		msg := tgbotapi.NewPhoto(userID, file)
		msg.Caption = caption
		c = msg
	case MediaVideo:
		msg := tgbotapi.NewVideo(userID, file)
		msg.Caption = caption
		c = msg
	case MediaVoice:
		msg := tgbotapi.NewVoice(userID, file)
		msg.Caption = caption
		c = msg
	case MediaAudio:
		msg := tgbotapi.NewAudio(userID, file)
		msg.Caption = caption
		c = msg
	case MediaAnimation:
		msg := tgbotapi.NewAnimation(userID, file)
		msg.Caption = caption
		c = msg
	case MediaSticker:
		// Stickers carry no caption on Telegram; send the label separately.
		if caption != "" {
			n.SendText(ctx, userID, caption)
		}
		c = tgbotapi.NewSticker(userID, file)
	case MediaVideoNote:
		if caption != "" {
			n.SendText(ctx, userID, caption)
		}
		c = tgbotapi.NewVideoNote(userID, 0, file)
	default:
		msg := tgbotapi.NewDocument(userID, file)
		msg.Caption = caption
		c = msg
	}
	n.send(ctx, userID, c)
}

// formatDeletionAlert renders the notification for a confirmed-deleted
// message. recoveryFailed annotates a failed media recovery attempt.
func formatDeletionAlert(msg *CachedMessage, recoveryFailed bool) string {
	sender := msg.SenderName
	if sender == "" {
		sender = fmt.Sprintf("id %d", msg.SenderID)
	}
	if msg.SenderHandle != "" {
		sender += " (@" + msg.SenderHandle + ")"
	}
	where := msg.ChatTitle
	if where == "" {
		where = fmt.Sprintf("chat %d", msg.ChatID)
	}
	text := fmt.Sprintf("🗑 Message deleted in %s\nFrom: %s\nContent: %s", where, sender, msg.Content)
	if recoveryFailed {
		text += "\n(attached media could not be recovered)"
	}
	return text
}

// formatEditAlert renders the notification for a detected edit.
func formatEditAlert(msg *ShadowMessage, oldContent, newContent string) string {
	sender := msg.SenderName
	if sender == "" {
		sender = fmt.Sprintf("id %d", msg.SenderID)
	}
	if msg.SenderHandle != "" {
		sender += " (@" + msg.SenderHandle + ")"
	}
	where := msg.ChatTitle
	if where == "" {
		where = fmt.Sprintf("chat %d", msg.ChatID)
	}
	return fmt.Sprintf("✏️ Message edited in %s\nFrom: %s\nWas: %s\nNow: %s", where, sender, oldContent, newContent)
}
