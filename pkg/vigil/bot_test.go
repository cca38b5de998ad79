package vigil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Command handler tests drive the handlers directly with a nil Bot API; the
// paths under test only touch the store, manager and notifier.
func newTestBot(t *testing.T) (*Bot, *Store, *fakeNotifier) {
	t.Helper()
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	manager := NewManager(store, notifier, nil, testLogger(t))
	return NewBot(nil, store, manager, notifier, testLogger(t)), store, notifier
}

func TestBotGroupsCommand(t *testing.T) {
	ctx := context.Background()
	bot, store, notifier := newTestBot(t)
	log := testLogger(t)

	bot.handleGroups(ctx, log, 1, "off")
	policy, err := store.GetPolicy(ctx, 1)
	require.NoError(t, err)
	assert.False(t, policy.WatchGroups)
	assert.Contains(t, notifier.lastText(t).Text, "no longer")

	bot.handleGroups(ctx, log, 1, "ON")
	policy, err = store.GetPolicy(ctx, 1)
	require.NoError(t, err)
	assert.True(t, policy.WatchGroups)

	bot.handleGroups(ctx, log, 1, "maybe")
	assert.Contains(t, notifier.lastText(t).Text, "Usage")
}

func TestBotExcludeCommands(t *testing.T) {
	ctx := context.Background()
	bot, store, notifier := newTestBot(t)
	log := testLogger(t)

	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: -100500, MessageID: 1, Content: "x"}))

	bot.handleExclude(ctx, log, 1, "-100500 Noisy Group")
	policy, err := store.GetPolicy(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Noisy Group", policy.Excluded[-100500])
	gone, err := store.GetMessage(ctx, 1, -100500, 1)
	require.NoError(t, err)
	assert.Nil(t, gone)

	bot.handleExcluded(ctx, log, 1)
	listing := notifier.lastText(t).Text
	assert.Contains(t, listing, "-100500")
	assert.Contains(t, listing, "Noisy Group")

	bot.handleUnexclude(ctx, log, 1, "-100500")
	policy, err = store.GetPolicy(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, policy.Excluded)

	bot.handleExcluded(ctx, log, 1)
	assert.Contains(t, notifier.lastText(t).Text, "No conversations")

	bot.handleExclude(ctx, log, 1, "not-a-number")
	assert.Contains(t, notifier.lastText(t).Text, "chat id")
	bot.handleExclude(ctx, log, 1, "")
	assert.Contains(t, notifier.lastText(t).Text, "Usage")
}

func TestBotStopMonitorWithoutSession(t *testing.T) {
	ctx := context.Background()
	bot, _, notifier := newTestBot(t)

	bot.handleStopMonitor(ctx, testLogger(t), 1)
	assert.Contains(t, notifier.lastText(t).Text, "isn't running")
}

func TestBotStopMonitorRevokes(t *testing.T) {
	ctx := context.Background()
	bot, store, notifier := newTestBot(t)

	require.NoError(t, store.PutPending(ctx, 1, []byte("cred")))
	require.NoError(t, store.MarkActive(ctx, 1))

	bot.handleStopMonitor(ctx, testLogger(t), 1)

	sess, err := store.GetSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, SessionRevoked, sess.State)
	assert.Empty(t, sess.Credential)
	assert.Contains(t, notifier.lastText(t).Text, "off")
}

func TestBotStatus(t *testing.T) {
	ctx := context.Background()
	bot, store, notifier := newTestBot(t)
	log := testLogger(t)

	bot.handleStatus(ctx, log, 1)
	assert.Contains(t, notifier.lastText(t).Text, "never set up")

	require.NoError(t, store.PutPending(ctx, 1, []byte("cred")))
	require.NoError(t, store.MarkActive(ctx, 1))
	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: 10, MessageID: 1}))

	bot.handleStatus(ctx, log, 1)
	status := notifier.lastText(t).Text
	assert.Contains(t, status, "connection is currently down")
	assert.Contains(t, status, "Cached messages: 1")

	require.NoError(t, store.Revoke(ctx, 1))
	bot.handleStatus(ctx, log, 1)
	assert.Contains(t, notifier.lastText(t).Text, "revoked")
}
