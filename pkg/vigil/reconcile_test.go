package vigil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) (*Reconciler, *Store, *Manager, *fakeNotifier) {
	t.Helper()
	store := newTestStore(t)
	notifier := &fakeNotifier{}
	manager := NewManager(store, notifier, nil, testLogger(t))
	cfg := ReconcileConfig{IntervalSeconds: 60, BatchSize: 30, MaxConcurrentPasses: 2}
	return NewReconciler(store, manager, notifier, cfg, testLogger(t)), store, manager, notifier
}

func TestReconcilePresentMarksChecked(t *testing.T) {
	ctx := context.Background()
	rec, store, _, notifier := newTestReconciler(t)
	conn := newFakeConn(t)

	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: 10, MessageID: 100, Content: "still here"}))
	conn.setPresent(10, 100, true)

	counts := rec.reconcileUser(ctx, 1, conn)
	assert.Equal(t, 1, counts.Kept)
	assert.Zero(t, counts.Deleted)
	assert.Empty(t, notifier.Texts)

	got, err := store.GetMessage(ctx, 1, 10, 100)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Checked)

	// Confirmed-present rows leave the batch window.
	batch, err := store.UncheckedBatch(ctx, 1, 30)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestReconcileAbsentNotifiesAndDeletes(t *testing.T) {
	ctx := context.Background()
	rec, store, _, notifier := newTestReconciler(t)
	conn := newFakeConn(t)

	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{
		UserID: 1, ChatID: 10, MessageID: 100,
		SenderName: "Alice", ChatTitle: "Family", Content: "now you see me",
	}))
	conn.setPresent(10, 100, false)

	counts := rec.reconcileUser(ctx, 1, conn)
	assert.Equal(t, 1, counts.Deleted)

	alert := notifier.lastText(t)
	assert.Equal(t, int64(1), alert.UserID)
	assert.Contains(t, alert.Text, "Alice")
	assert.Contains(t, alert.Text, "Family")
	assert.Contains(t, alert.Text, "now you see me")

	got, err := store.GetMessage(ctx, 1, 10, 100)
	require.NoError(t, err)
	assert.Nil(t, got, "deletion handling is at most once, the row is gone")
}

func TestReconcileDeletedMediaRecovery(t *testing.T) {
	ctx := context.Background()
	rec, store, _, notifier := newTestReconciler(t)
	conn := newFakeConn(t)

	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{
		UserID: 1, ChatID: 10, MessageID: 100,
		Content: "[photo]", MediaKind: MediaPhoto, MediaRef: []byte("photo-ref"),
	}))
	conn.setPresent(10, 100, false)

	rec.reconcileUser(ctx, 1, conn)

	require.Len(t, conn.Downloads, 1)
	require.Len(t, notifier.Files, 1)
	assert.Equal(t, MediaPhoto, notifier.Files[0].Kind)
	assert.NotContains(t, notifier.lastText(t).Text, "could not be recovered")
}

func TestReconcileDeletedMediaRecoveryFailure(t *testing.T) {
	ctx := context.Background()
	rec, store, _, notifier := newTestReconciler(t)
	conn := newFakeConn(t)
	conn.dlErr = errors.New("file reference expired")

	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{
		UserID: 1, ChatID: 10, MessageID: 100,
		Content: "[photo]", MediaKind: MediaPhoto, MediaRef: []byte("photo-ref"),
	}))
	conn.setPresent(10, 100, false)

	rec.reconcileUser(ctx, 1, conn)

	assert.Empty(t, notifier.Files)
	assert.Contains(t, notifier.lastText(t).Text, "could not be recovered")
	got, err := store.GetMessage(ctx, 1, 10, 100)
	require.NoError(t, err)
	assert.Nil(t, got, "recovery failure never blocks the text alert or cleanup")
}

func TestReconcileVersionRace(t *testing.T) {
	ctx := context.Background()
	rec, store, _, _ := newTestReconciler(t)
	conn := newFakeConn(t)

	msg := &CachedMessage{UserID: 1, ChatID: 10, MessageID: 100, Content: "v1"}
	require.NoError(t, store.UpsertMessage(ctx, msg))
	msg.Content = "v2 from a concurrent edit"
	require.NoError(t, store.UpsertMessage(ctx, msg))

	// The pass read the row before the edit bumped it.
	stale := &CachedMessage{UserID: 1, ChatID: 10, MessageID: 100, Content: "v1", Version: 1}
	var counts passCounters
	rec.handleDeleted(ctx, testLogger(t), conn, stale, &counts)

	assert.Equal(t, 1, counts.Superseded)
	assert.Zero(t, counts.Deleted)
	got, err := store.GetMessage(ctx, 1, 10, 100)
	require.NoError(t, err)
	require.NotNil(t, got, "the rewritten row survives the stale delete")
	assert.Equal(t, "v2 from a concurrent edit", got.Content)
}

func TestReconcileUnresolvableChatScoped(t *testing.T) {
	ctx := context.Background()
	rec, store, _, _ := newTestReconciler(t)
	conn := newFakeConn(t)

	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: 10, MessageID: 100, Content: "a"}))
	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: 20, MessageID: 200, Content: "b"}))
	conn.chatErrs[10] = ErrConversationUnresolvable
	conn.setPresent(20, 200, true)

	counts := rec.reconcileUser(ctx, 1, conn)
	assert.Equal(t, 1, counts.Skipped, "the unresolvable conversation is skipped")
	assert.Equal(t, 1, counts.Kept, "other conversations still reconcile")

	// Skipped rows stay unconfirmed for later passes.
	got, err := store.GetMessage(ctx, 1, 10, 100)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Checked)
}

func TestReconcileConnectionUnavailableAbortsUser(t *testing.T) {
	ctx := context.Background()
	rec, store, _, notifier := newTestReconciler(t)
	conn := newFakeConn(t)

	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: 10, MessageID: 100, Content: "a"}))
	conn.chatErrs[10] = ErrConnectionUnavailable

	counts := rec.reconcileUser(ctx, 1, conn)
	assert.Equal(t, 1, counts.Skipped)
	assert.Zero(t, counts.Deleted, "an unreachable connection must not look like deletions")
	assert.Empty(t, notifier.Texts)
}

func TestRunPassSkipsDeadConnections(t *testing.T) {
	ctx := context.Background()
	rec, store, manager, _ := newTestReconciler(t)
	conn := newFakeConn(t)
	conn.alive = false
	manager.conns[1] = conn

	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: 10, MessageID: 100, Content: "a"}))
	rec.runPass(ctx)

	got, err := store.GetMessage(ctx, 1, 10, 100)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Checked, "dead connections leave the cache untouched")
}

func TestRunPassReconcilesAllUsers(t *testing.T) {
	ctx := context.Background()
	rec, store, manager, notifier := newTestReconciler(t)

	connA := newFakeConn(t)
	connA.setPresent(10, 100, true)
	connB := newFakeConn(t)
	connB.setPresent(20, 200, false)
	manager.conns[1] = connA
	manager.conns[2] = connB

	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 1, ChatID: 10, MessageID: 100, Content: "a"}))
	require.NoError(t, store.UpsertMessage(ctx, &CachedMessage{UserID: 2, ChatID: 20, MessageID: 200, Content: "b"}))

	rec.runPass(ctx)

	kept, err := store.GetMessage(ctx, 1, 10, 100)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.True(t, kept.Checked)

	gone, err := store.GetMessage(ctx, 2, 20, 200)
	require.NoError(t, err)
	assert.Nil(t, gone)
	require.Len(t, notifier.Texts, 1)
	assert.Equal(t, int64(2), notifier.Texts[0].UserID)
}
