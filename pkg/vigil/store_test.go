package vigil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.PutPending(ctx, 1, []byte("cred")))
	sess, err := store.GetSession(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, SessionPending, sess.State)
	assert.Equal(t, []byte("cred"), sess.Credential)

	require.NoError(t, store.MarkActive(ctx, 1))
	sess, err = store.GetSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.State)
	assert.Equal(t, []byte("cred"), sess.Credential)

	require.NoError(t, store.Revoke(ctx, 1))
	sess, err = store.GetSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, SessionRevoked, sess.State)
	assert.Empty(t, sess.Credential, "revoking must discard the credential")

	// Revoked is terminal.
	var stateErr *ErrSessionState
	require.ErrorAs(t, store.MarkActive(ctx, 1), &stateErr)

	// A fresh credential replaces the terminal row.
	require.NoError(t, store.PutPending(ctx, 1, []byte("cred2")))
	sess, err = store.GetSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, SessionPending, sess.State)
	assert.Equal(t, []byte("cred2"), sess.Credential)
}

func TestSessionMarkFailed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.PutPending(ctx, 1, []byte("bad")))
	require.NoError(t, store.MarkFailed(ctx, 1))
	sess, err := store.GetSession(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, SessionFailed, sess.State)
	assert.Empty(t, sess.Credential)

	var stateErr *ErrSessionState
	require.ErrorAs(t, store.Revoke(ctx, 1), &stateErr)
}

func TestSessionTransitionMissingRow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var stateErr *ErrSessionState
	require.ErrorAs(t, store.Revoke(ctx, 42), &stateErr)
	assert.Equal(t, int64(42), stateErr.UserID)
}

func TestActiveSessions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.PutPending(ctx, 1, []byte("a")))
	require.NoError(t, store.MarkActive(ctx, 1))
	require.NoError(t, store.PutPending(ctx, 2, []byte("b")))

	sessions, err := store.ActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(1), sessions[0].UserID)
	assert.Equal(t, []byte("a"), sessions[0].Credential)
}

func TestUpsertBumpsVersionAndResetsChecked(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	msg := &CachedMessage{UserID: 1, ChatID: 10, MessageID: 100, SenderID: 5, Content: "hello"}
	require.NoError(t, store.UpsertMessage(ctx, msg))
	require.NoError(t, store.MarkChecked(ctx, 1, 10, 100))

	first, err := store.GetMessage(ctx, 1, 10, 100)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.True(t, first.Checked)
	assert.Equal(t, int64(1), first.Version)

	msg.Content = "hello edited"
	require.NoError(t, store.UpsertMessage(ctx, msg))
	second, err := store.GetMessage(ctx, 1, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, "hello edited", second.Content)
	assert.Equal(t, int64(2), second.Version)
	assert.False(t, second.Checked, "an upsert must re-enter the unconfirmed pool")
	assert.Equal(t, first.CreatedTS, second.CreatedTS, "creation timestamp survives rewrites")
}

func TestUncheckedBatchOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{
			UserID: 1, ChatID: 10, MessageID: i, Content: "x",
		}))
		// Deterministic ordering regardless of insert timing.
		_, err := store.db.Exec(ctx,
			`UPDATE message_cache SET created_ts=$1 WHERE user_id=1 AND message_id=$2`, i, i)
		require.NoError(t, err)
	}
	require.NoError(t, store.MarkChecked(ctx, 1, 10, 2))

	batch, err := store.UncheckedBatch(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, int64(1), batch[0].MessageID, "oldest rows come first")
	assert.Equal(t, int64(3), batch[1].MessageID)

	batch, err = store.UncheckedBatch(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, int64(1), batch[0].MessageID)

	batch, err = store.UncheckedBatch(ctx, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "batches are per user")
}

func TestDeleteMessageVersion(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	msg := &CachedMessage{UserID: 1, ChatID: 10, MessageID: 100, Content: "v1"}
	require.NoError(t, store.UpsertMessage(ctx, msg))
	msg.Content = "v2"
	require.NoError(t, store.UpsertMessage(ctx, msg))

	deleted, err := store.DeleteMessageVersion(ctx, 1, 10, 100, 1)
	require.NoError(t, err)
	assert.False(t, deleted, "stale version must not delete the rewritten row")
	got, err := store.GetMessage(ctx, 1, 10, 100)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.Content)

	deleted, err = store.DeleteMessageVersion(ctx, 1, 10, 100, 2)
	require.NoError(t, err)
	assert.True(t, deleted)
	got, err = store.GetMessage(ctx, 1, 10, 100)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExcludePurgesCachedRows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: 10, MessageID: 1, Content: "a"}))
	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: 20, MessageID: 2, Content: "b"}))

	require.NoError(t, store.Exclude(ctx, 1, 10, "Work Chat"))

	gone, err := store.GetMessage(ctx, 1, 10, 1)
	require.NoError(t, err)
	assert.Nil(t, gone, "exclusion must purge already-cached rows")
	kept, err := store.GetMessage(ctx, 1, 20, 2)
	require.NoError(t, err)
	assert.NotNil(t, kept)

	policy, err := store.GetPolicy(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Work Chat", policy.Excluded[10])

	require.NoError(t, store.Unexclude(ctx, 1, 10))
	policy, err = store.GetPolicy(ctx, 1)
	require.NoError(t, err)
	assert.NotContains(t, policy.Excluded, int64(10))

	// Idempotent for never-excluded conversations.
	require.NoError(t, store.Unexclude(ctx, 1, 999))
}

func TestPolicyDefaults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	policy, err := store.GetPolicy(ctx, 1)
	require.NoError(t, err)
	assert.True(t, policy.WatchGroups)
	assert.Empty(t, policy.Excluded)

	require.NoError(t, store.SetWatchGroups(ctx, 1, false))
	policy, err = store.GetPolicy(ctx, 1)
	require.NoError(t, err)
	assert.False(t, policy.WatchGroups)
}

func TestPurgeOlderThan(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: 10, MessageID: 1, Content: "old"}))
	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: 10, MessageID: 2, Content: "new"}))
	oldTS := time.Now().Add(-48 * time.Hour).UnixMilli()
	_, err := store.db.Exec(ctx, `UPDATE message_cache SET created_ts=$1 WHERE message_id=1`, oldTS)
	require.NoError(t, err)

	purged, err := store.PurgeOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	gone, err := store.GetMessage(ctx, 1, 10, 1)
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := store.GetMessage(ctx, 1, 10, 2)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestCachedCount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: 10, MessageID: 1}))
	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: 10, MessageID: 2}))
	require.NoError(t, store.MarkChecked(ctx, 1, 10, 1))

	total, unchecked, err := store.CachedCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, int64(1), unchecked)

	total, unchecked, err = store.CachedCount(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, unchecked)
}
