package vigil

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// In-conversation control vocabulary. Recognized only in the monitored
// user's own outgoing messages, these toggle per-conversation exclusion
// without going through the bot's command surface.
const (
	controlIgnore   = "/ignore"
	controlUnignore = "/unignore"
)

// Observer classifies and persists every message seen on a shadow
// connection, applying policy before storage. One Observer instance serves
// all connections; per-user state lives in the stores.
type Observer struct {
	store    *Store
	notifier Notifier
	log      zerolog.Logger

	// botID is the primary bot's own identity; anything originating from it
	// or addressed to it is ignored to prevent feedback loops.
	botID int64
}

func NewObserver(store *Store, notifier Notifier, botID int64, log zerolog.Logger) *Observer {
	return &Observer{
		store:    store,
		notifier: notifier,
		botID:    botID,
		log:      log.With().Str("component", "observer").Logger(),
	}
}

// HandleMessage processes one inbound message observed on userID's
// connection. Every failure is local to this message: the row is either
// written fully or not at all, and errors never propagate to the transport.
func (o *Observer) HandleMessage(ctx context.Context, userID int64, conn originClient, msg *ShadowMessage) {
	log := o.log.With().
		Int64("user_id", userID).
		Int64("chat_id", msg.ChatID).
		Int64("message_id", msg.MessageID).
		Logger()

	// Self-originated: control vocabulary first, then drop. Deletions of
	// the user's own outgoing messages are not tracked.
	if msg.Outgoing {
		o.handleControlPhrase(ctx, log, userID, msg)
		return
	}

	if o.isBotTraffic(msg) {
		return
	}

	if !o.passesPolicy(ctx, log, userID, msg) {
		return
	}

	content := classify(ctx, log, conn, msg)

	if msg.Secret {
		content.Text = "🔥 [self-destructing] " + content.Text
		o.captureSecretMedia(ctx, log, userID, conn, msg, content)
	}

	row := cacheRow(userID, msg, content)
	if err := o.store.UpsertMessage(ctx, row); err != nil {
		log.Err(err).Msg("Failed to cache observed message")
		return
	}
	log.Debug().Str("media_kind", string(content.Kind)).Msg("Cached observed message")
}

// HandleEdit processes an edited-message event: re-classify, compare against
// the cached snapshot, notify on a real content change, then overwrite the
// row. Media kind/reference refresh rides along with the overwrite and is
// best-effort by construction.
func (o *Observer) HandleEdit(ctx context.Context, userID int64, conn originClient, msg *ShadowMessage) {
	log := o.log.With().
		Int64("user_id", userID).
		Int64("chat_id", msg.ChatID).
		Int64("message_id", msg.MessageID).
		Logger()

	if msg.Outgoing || o.isBotTraffic(msg) {
		return
	}
	if !o.passesPolicy(ctx, log, userID, msg) {
		return
	}

	content := classify(ctx, log, conn, msg)

	prev, err := o.store.GetMessage(ctx, userID, msg.ChatID, msg.MessageID)
	if err != nil {
		log.Err(err).Msg("Failed to load cached message for edit comparison")
		return
	}
	if prev != nil && prev.Content != content.Text {
		o.notifier.SendText(ctx, userID, formatEditAlert(msg, prev.Content, content.Text))
		log.Info().Msg("Edit detected, owner notified")
	}

	if err := o.store.UpsertMessage(ctx, cacheRow(userID, msg, content)); err != nil {
		log.Err(err).Msg("Failed to update cache for edited message")
	}
}

// handleControlPhrase special-cases /ignore and /unignore typed by the
// monitored user inside the affected conversation.
func (o *Observer) handleControlPhrase(ctx context.Context, log zerolog.Logger, userID int64, msg *ShadowMessage) {
	switch strings.TrimSpace(msg.Text) {
	case controlIgnore:
		if err := o.store.Exclude(ctx, userID, msg.ChatID, msg.ChatTitle); err != nil {
			log.Err(err).Msg("Failed to exclude conversation via control phrase")
			return
		}
		log.Info().Msg("Conversation excluded via in-chat control phrase")
		o.notifier.SendText(ctx, userID, "Okay, no longer watching "+chatLabel(msg)+".")
	case controlUnignore:
		if err := o.store.Unexclude(ctx, userID, msg.ChatID); err != nil {
			log.Err(err).Msg("Failed to unexclude conversation via control phrase")
			return
		}
		log.Info().Msg("Conversation re-included via in-chat control phrase")
		o.notifier.SendText(ctx, userID, "Watching "+chatLabel(msg)+" again.")
	}
}

func (o *Observer) isBotTraffic(msg *ShadowMessage) bool {
	return msg.SenderID == o.botID || msg.ChatID == o.botID
}

// passesPolicy applies the group-monitoring toggle and exclusion set.
// Private dialogs always pass. Policy read failures err on the side of not
// caching rather than caching something the user asked to exclude.
func (o *Observer) passesPolicy(ctx context.Context, log zerolog.Logger, userID int64, msg *ShadowMessage) bool {
	policy, err := o.store.GetPolicy(ctx, userID)
	if err != nil {
		log.Err(err).Msg("Failed to load monitoring policy, dropping message")
		return false
	}
	if _, excluded := policy.Excluded[msg.ChatID]; excluded {
		return false
	}
	if msg.ChatKind != ConvPrivate && !policy.WatchGroups {
		return false
	}
	return true
}

// captureSecretMedia downloads flagged media immediately, before any
// self-destruct window can close, and re-delivers it to the owner. Failure
// degrades gracefully: the message is still cached with its content string.
func (o *Observer) captureSecretMedia(ctx context.Context, log zerolog.Logger, userID int64, conn originClient, msg *ShadowMessage, content Content) {
	if conn == nil || len(content.Ref) == 0 {
		return
	}
	path, err := conn.DownloadMedia(ctx, content.Ref)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to capture self-destructing media")
		return
	}
	caption := "🔥 Self-destructing content from " + senderLabel(msg) + " in " + chatLabel(msg)
	o.notifier.SendFile(ctx, userID, content.Kind, path, caption)
	log.Info().Str("media_kind", string(content.Kind)).Msg("Captured self-destructing media")
}

func cacheRow(userID int64, msg *ShadowMessage, content Content) *CachedMessage {
	return &CachedMessage{
		UserID:       userID,
		ChatID:       msg.ChatID,
		MessageID:    msg.MessageID,
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		SenderHandle: msg.SenderHandle,
		ChatTitle:    msg.ChatTitle,
		Content:      content.Text,
		MediaKind:    content.Kind,
		MediaRef:     content.Ref,
	}
}

func senderLabel(msg *ShadowMessage) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return "unknown sender"
}

func chatLabel(msg *ShadowMessage) string {
	if msg.ChatTitle != "" {
		return msg.ChatTitle
	}
	return "this chat"
}
