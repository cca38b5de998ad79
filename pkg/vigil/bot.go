package vigil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const helpText = `I watch your account for deleted and edited messages.

/monitor <session-string> - start monitoring with an exported session
/stopmonitor - stop monitoring and revoke the stored session
/groups on|off - toggle monitoring of group and channel chats
/exclude <chat-id> [title] - stop watching one conversation
/unexclude <chat-id> - watch a conversation again
/excluded - list excluded conversations
/status - session and cache status

You can also type /ignore or /unignore inside any conversation on the
monitored account.`

// Bot is the long-polling command surface on the primary bot account. It only
// ever talks in private chats; anything arriving from a group makes it leave.
type Bot struct {
	api      *tgbotapi.BotAPI
	store    *Store
	manager  *Manager
	notifier Notifier
	log      zerolog.Logger
}

func NewBot(api *tgbotapi.BotAPI, store *Store, manager *Manager, notifier Notifier, log zerolog.Logger) *Bot {
	return &Bot{
		api:      api,
		store:    store,
		manager:  manager,
		notifier: notifier,
		log:      log.With().Str("component", "bot").Logger(),
	}
}

// Run consumes bot updates until ctx is cancelled. Blocks.
func (b *Bot) Run(ctx context.Context) {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := b.api.GetUpdatesChan(updateConfig)
	b.log.Info().Str("username", b.api.Self.UserName).Msg("Bot update loop started")
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.Chat.IsPrivate() {
		b.log.Info().Int64("chat_id", msg.Chat.ID).Msg("Added to a group chat, leaving")
		if _, err := b.api.Request(tgbotapi.LeaveChatConfig{ChatID: msg.Chat.ID}); err != nil {
			b.log.Warn().Err(err).Int64("chat_id", msg.Chat.ID).Msg("Failed to leave group chat")
		}
		return
	}
	if !msg.IsCommand() {
		return
	}

	userID := msg.Chat.ID
	log := b.log.With().Int64("user_id", userID).Str("command", msg.Command()).Logger()
	switch msg.Command() {
	case "start", "help":
		b.notifier.SendText(ctx, userID, helpText)
	case "monitor":
		b.handleMonitor(ctx, log, msg)
	case "stopmonitor":
		b.handleStopMonitor(ctx, log, userID)
	case "groups":
		b.handleGroups(ctx, log, userID, msg.CommandArguments())
	case "exclude":
		b.handleExclude(ctx, log, userID, msg.CommandArguments())
	case "unexclude":
		b.handleUnexclude(ctx, log, userID, msg.CommandArguments())
	case "excluded":
		b.handleExcluded(ctx, log, userID)
	case "status":
		b.handleStatus(ctx, log, userID)
	default:
		b.notifier.SendText(ctx, userID, "Unknown command. Try /help.")
	}
}

// handleMonitor takes a submitted session string through the full pending →
// active/failed exchange: persist, dial once, transition on the outcome. The
// message carrying the credential is deleted from the chat either way.
func (b *Bot) handleMonitor(ctx context.Context, log zerolog.Logger, msg *tgbotapi.Message) {
	userID := msg.Chat.ID
	credential := strings.TrimSpace(msg.CommandArguments())

	// Credentials don't belong in chat history.
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(msg.Chat.ID, msg.MessageID)); err != nil {
		log.Warn().Err(err).Msg("Failed to delete credential message")
	}

	if credential == "" {
		b.notifier.SendText(ctx, userID, "Usage: /monitor <session-string>")
		return
	}
	if b.manager.Conn(userID) != nil {
		b.notifier.SendText(ctx, userID, "Monitoring is already running. Use /stopmonitor first to replace the session.")
		return
	}

	if err := b.store.PutPending(ctx, userID, []byte(credential)); err != nil {
		log.Err(err).Msg("Failed to store pending session")
		b.notifier.SendText(ctx, userID, "Something went wrong storing the session, please try again.")
		return
	}

	if err := b.manager.ConnectUser(ctx, userID, []byte(credential)); err != nil {
		log.Warn().Err(err).Msg("Session validation failed")
		if markErr := b.store.MarkFailed(ctx, userID); markErr != nil {
			log.Err(markErr).Msg("Failed to mark session failed")
		}
		b.notifier.SendText(ctx, userID, "That session string didn't work. Export a fresh one and try /monitor again.")
		return
	}

	if err := b.store.MarkActive(ctx, userID); err != nil {
		log.Err(err).Msg("Failed to mark session active")
		b.manager.StopConnection(userID)
		b.notifier.SendText(ctx, userID, "Something went wrong activating the session, please try again.")
		return
	}
	log.Info().Msg("Monitoring session activated")
	b.notifier.SendText(ctx, userID, "✅ Monitoring is on. I'll tell you when messages get deleted or edited.")
}

func (b *Bot) handleStopMonitor(ctx context.Context, log zerolog.Logger, userID int64) {
	b.manager.StopConnection(userID)
	if err := b.store.Revoke(ctx, userID); err != nil {
		var stateErr *ErrSessionState
		if errors.As(err, &stateErr) {
			b.notifier.SendText(ctx, userID, "Monitoring isn't running.")
			return
		}
		log.Err(err).Msg("Failed to revoke session")
		b.notifier.SendText(ctx, userID, "Something went wrong stopping monitoring.")
		return
	}
	log.Info().Msg("Monitoring session revoked by user")
	b.notifier.SendText(ctx, userID, "Monitoring is off and the stored session was discarded.")
}

func (b *Bot) handleGroups(ctx context.Context, log zerolog.Logger, userID int64, args string) {
	var watch bool
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "on":
		watch = true
	case "off":
		watch = false
	default:
		b.notifier.SendText(ctx, userID, "Usage: /groups on|off")
		return
	}
	if err := b.store.SetWatchGroups(ctx, userID, watch); err != nil {
		log.Err(err).Msg("Failed to update group monitoring toggle")
		b.notifier.SendText(ctx, userID, "Something went wrong updating the setting.")
		return
	}
	if watch {
		b.notifier.SendText(ctx, userID, "Group and channel chats are now monitored.")
	} else {
		b.notifier.SendText(ctx, userID, "Group and channel chats are no longer monitored. Private chats still are.")
	}
}

func (b *Bot) handleExclude(ctx context.Context, log zerolog.Logger, userID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		b.notifier.SendText(ctx, userID, "Usage: /exclude <chat-id> [title]")
		return
	}
	chatID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		b.notifier.SendText(ctx, userID, "That doesn't look like a chat id. Usage: /exclude <chat-id> [title]")
		return
	}
	title := strings.Join(fields[1:], " ")
	if err := b.store.Exclude(ctx, userID, chatID, title); err != nil {
		log.Err(err).Int64("chat_id", chatID).Msg("Failed to exclude conversation")
		b.notifier.SendText(ctx, userID, "Something went wrong excluding that conversation.")
		return
	}
	log.Info().Int64("chat_id", chatID).Msg("Conversation excluded")
	b.notifier.SendText(ctx, userID, fmt.Sprintf("Conversation %d is excluded and its cached messages were discarded.", chatID))
}

func (b *Bot) handleUnexclude(ctx context.Context, log zerolog.Logger, userID int64, args string) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		b.notifier.SendText(ctx, userID, "Usage: /unexclude <chat-id>")
		return
	}
	if err := b.store.Unexclude(ctx, userID, chatID); err != nil {
		log.Err(err).Int64("chat_id", chatID).Msg("Failed to unexclude conversation")
		b.notifier.SendText(ctx, userID, "Something went wrong.")
		return
	}
	log.Info().Int64("chat_id", chatID).Msg("Conversation re-included")
	b.notifier.SendText(ctx, userID, fmt.Sprintf("Conversation %d is being watched again.", chatID))
}

func (b *Bot) handleExcluded(ctx context.Context, log zerolog.Logger, userID int64) {
	policy, err := b.store.GetPolicy(ctx, userID)
	if err != nil {
		log.Err(err).Msg("Failed to load policy")
		b.notifier.SendText(ctx, userID, "Something went wrong loading your settings.")
		return
	}
	if len(policy.Excluded) == 0 {
		b.notifier.SendText(ctx, userID, "No conversations are excluded.")
		return
	}
	ids := make([]int64, 0, len(policy.Excluded))
	for id := range policy.Excluded {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var sb strings.Builder
	sb.WriteString("Excluded conversations:\n")
	for _, id := range ids {
		title := policy.Excluded[id]
		if title == "" {
			fmt.Fprintf(&sb, "• %d\n", id)
		} else {
			fmt.Fprintf(&sb, "• %d (%s)\n", id, title)
		}
	}
	b.notifier.SendText(ctx, userID, sb.String())
}

func (b *Bot) handleStatus(ctx context.Context, log zerolog.Logger, userID int64) {
	sess, err := b.store.GetSession(ctx, userID)
	if err != nil {
		log.Err(err).Msg("Failed to load session for status")
		b.notifier.SendText(ctx, userID, "Something went wrong loading your status.")
		return
	}
	var sb strings.Builder
	switch {
	case sess == nil:
		sb.WriteString("Monitoring: never set up. Use /monitor <session-string> to start.")
	case sess.State == SessionActive:
		conn := b.manager.Conn(userID)
		if conn != nil && conn.Alive() {
			sb.WriteString("Monitoring: active and connected.")
		} else {
			sb.WriteString("Monitoring: active, but the connection is currently down.")
		}
	default:
		fmt.Fprintf(&sb, "Monitoring: %s. Use /monitor with a fresh session string to start again.", sess.State)
	}

	policy, err := b.store.GetPolicy(ctx, userID)
	if err == nil {
		if policy.WatchGroups {
			sb.WriteString("\nGroups: monitored")
		} else {
			sb.WriteString("\nGroups: not monitored")
		}
		fmt.Fprintf(&sb, "\nExcluded conversations: %d", len(policy.Excluded))
	}
	if total, unchecked, err := b.store.CachedCount(ctx, userID); err == nil {
		fmt.Fprintf(&sb, "\nCached messages: %d (%d awaiting check)", total, unchecked)
	}
	b.notifier.SendText(ctx, userID, sb.String())
}
