package vigil

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
)

// Store wraps the sqlite database holding the three logical tables: shadow
// sessions, the message cache and monitoring policy. All mutations are
// single-row keyed statements; key-level atomicity is the only coordination
// the rest of the package relies on.
type Store struct {
	db *dbutil.Database
}

// CachedMessage is one observed message, keyed by (user, chat, message).
type CachedMessage struct {
	UserID    int64
	ChatID    int64
	MessageID int64

	SenderID     int64
	SenderName   string
	SenderHandle string
	ChatTitle    string

	Content   string
	MediaKind MediaKind
	MediaRef  []byte

	// Checked marks the row as confirmed-present by the last reconciliation
	// pass. Any upsert resets it; only absence is terminal.
	Checked bool

	// Version increments on every upsert. Reconciliation deletes by
	// key-and-version so a concurrent edit rewrite is never lost.
	Version   int64
	CreatedTS int64
}

// Key returns the composite cache key, useful in logs.
func (m *CachedMessage) Key() string {
	return fmt.Sprintf("%d/%d/%d", m.UserID, m.ChatID, m.MessageID)
}

// MonitoringPolicy is one user's group-monitoring toggle plus exclusions.
type MonitoringPolicy struct {
	UserID      int64
	WatchGroups bool
	// Excluded maps conversation id → display label.
	Excluded map[int64]string
}

func NewStore(db *dbutil.Database) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS shadow_session (
			user_id BIGINT NOT NULL,
			credential BLOB,
			state TEXT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message_cache (
			user_id BIGINT NOT NULL,
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			sender_id BIGINT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			sender_handle TEXT,
			chat_title TEXT,
			content TEXT NOT NULL DEFAULT '',
			media_kind TEXT NOT NULL DEFAULT '',
			media_ref BLOB,
			checked BOOLEAN NOT NULL DEFAULT FALSE,
			version BIGINT NOT NULL DEFAULT 1,
			created_ts BIGINT NOT NULL,
			PRIMARY KEY (user_id, chat_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS monitor_policy (
			user_id BIGINT NOT NULL,
			watch_groups BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS monitor_exclusion (
			user_id BIGINT NOT NULL,
			chat_id BIGINT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, chat_id)
		)`,
		`CREATE INDEX IF NOT EXISTS message_cache_unchecked_idx
			ON message_cache (user_id, checked, created_ts)`,
		`CREATE INDEX IF NOT EXISTS message_cache_created_idx
			ON message_cache (created_ts)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	// Migration: add sender_handle column if missing (pre-1.1 databases).
	var hasHandle int
	_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('message_cache') WHERE name='sender_handle'`).Scan(&hasHandle)
	if hasHandle == 0 {
		if _, err := s.db.Exec(ctx, `ALTER TABLE message_cache ADD COLUMN sender_handle TEXT`); err != nil {
			return fmt.Errorf("failed to add sender_handle column: %w", err)
		}
	}

	return nil
}

// ============================================================================
// Sessions
// ============================================================================

// PutPending stores a freshly submitted credential, replacing any previous
// row for the user regardless of its state. This is the only way out of the
// terminal failed/revoked states.
func (s *Store) PutPending(ctx context.Context, userID int64, credential []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO shadow_session (user_id, credential, state, updated_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			credential=excluded.credential,
			state=excluded.state,
			updated_ts=excluded.updated_ts
	`, userID, credential, SessionPending, time.Now().UnixMilli())
	return err
}

func (s *Store) GetSession(ctx context.Context, userID int64) (*ShadowSession, error) {
	sess := &ShadowSession{UserID: userID}
	var cred []byte
	var state string
	err := s.db.QueryRow(ctx,
		`SELECT credential, state FROM shadow_session WHERE user_id=$1`, userID,
	).Scan(&cred, &state)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	sess.Credential = cred
	sess.State = SessionState(state)
	return sess, nil
}

// MarkActive transitions pending → active.
func (s *Store) MarkActive(ctx context.Context, userID int64) error {
	return s.transition(ctx, userID, SessionPending, SessionActive, false)
}

// MarkFailed transitions pending → failed and discards the credential.
func (s *Store) MarkFailed(ctx context.Context, userID int64) error {
	return s.transition(ctx, userID, SessionPending, SessionFailed, true)
}

// Revoke transitions active → revoked and discards the credential. Covers
// both user-initiated stop and runtime auth invalidation.
func (s *Store) Revoke(ctx context.Context, userID int64) error {
	return s.transition(ctx, userID, SessionActive, SessionRevoked, true)
}

func (s *Store) transition(ctx context.Context, userID int64, from, to SessionState, dropCredential bool) error {
	if !canTransition(from, to) {
		return &ErrSessionState{UserID: userID, From: from, To: to}
	}
	query := `UPDATE shadow_session SET state=$1, updated_ts=$2 WHERE user_id=$3 AND state=$4`
	if dropCredential {
		query = `UPDATE shadow_session SET state=$1, updated_ts=$2, credential=NULL WHERE user_id=$3 AND state=$4`
	}
	res, err := s.db.Exec(ctx, query, to, time.Now().UnixMilli(), userID, from)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		cur, getErr := s.GetSession(ctx, userID)
		if getErr != nil {
			return getErr
		}
		state := SessionState("")
		if cur != nil {
			state = cur.State
		}
		return &ErrSessionState{UserID: userID, From: state, To: to}
	}
	return nil
}

// ActiveSessions returns every session eligible for a startup connection
// replay.
func (s *Store) ActiveSessions(ctx context.Context) ([]*ShadowSession, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id, credential FROM shadow_session WHERE state=$1 ORDER BY user_id`, SessionActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []*ShadowSession
	for rows.Next() {
		sess := &ShadowSession{State: SessionActive}
		if err := rows.Scan(&sess.UserID, &sess.Credential); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ============================================================================
// Message cache
// ============================================================================

// UpsertMessage inserts or replaces the row for the message's key. Replacing
// bumps the version and resets the checked flag; an edit therefore re-enters
// the unconfirmed pool without losing its creation timestamp.
func (s *Store) UpsertMessage(ctx context.Context, msg *CachedMessage) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO message_cache (
			user_id, chat_id, message_id, sender_id, sender_name, sender_handle,
			chat_title, content, media_kind, media_ref, checked, version, created_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, 1, $11)
		ON CONFLICT (user_id, chat_id, message_id) DO UPDATE SET
			sender_id=excluded.sender_id,
			sender_name=excluded.sender_name,
			sender_handle=excluded.sender_handle,
			chat_title=excluded.chat_title,
			content=excluded.content,
			media_kind=excluded.media_kind,
			media_ref=excluded.media_ref,
			checked=FALSE,
			version=message_cache.version+1
	`, msg.UserID, msg.ChatID, msg.MessageID, msg.SenderID, msg.SenderName,
		nullableStr(msg.SenderHandle), nullableStr(msg.ChatTitle), msg.Content,
		string(msg.MediaKind), msg.MediaRef, time.Now().UnixMilli())
	return err
}

func (s *Store) GetMessage(ctx context.Context, userID, chatID, messageID int64) (*CachedMessage, error) {
	msg := &CachedMessage{UserID: userID, ChatID: chatID, MessageID: messageID}
	var handle, title sql.NullString
	var kind string
	err := s.db.QueryRow(ctx, `
		SELECT sender_id, sender_name, sender_handle, chat_title, content,
		       media_kind, media_ref, checked, version, created_ts
		FROM message_cache WHERE user_id=$1 AND chat_id=$2 AND message_id=$3
	`, userID, chatID, messageID).Scan(
		&msg.SenderID, &msg.SenderName, &handle, &title, &msg.Content,
		&kind, &msg.MediaRef, &msg.Checked, &msg.Version, &msg.CreatedTS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	msg.SenderHandle = handle.String
	msg.ChatTitle = title.String
	msg.MediaKind = MediaKind(kind)
	return msg, nil
}

// UncheckedBatch returns up to limit unconfirmed rows for the user,
// oldest first, so long-lived rows are re-checked before fresh ones.
func (s *Store) UncheckedBatch(ctx context.Context, userID int64, limit int) ([]*CachedMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT chat_id, message_id, sender_id, sender_name, sender_handle,
		       chat_title, content, media_kind, media_ref, version, created_ts
		FROM message_cache
		WHERE user_id=$1 AND checked=FALSE
		ORDER BY created_ts ASC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var batch []*CachedMessage
	for rows.Next() {
		msg := &CachedMessage{UserID: userID}
		var handle, title sql.NullString
		var kind string
		if err := rows.Scan(&msg.ChatID, &msg.MessageID, &msg.SenderID,
			&msg.SenderName, &handle, &title, &msg.Content, &kind,
			&msg.MediaRef, &msg.Version, &msg.CreatedTS); err != nil {
			return nil, err
		}
		msg.SenderHandle = handle.String
		msg.ChatTitle = title.String
		msg.MediaKind = MediaKind(kind)
		batch = append(batch, msg)
	}
	return batch, rows.Err()
}

// MarkChecked flags a row as confirmed-present by the current pass. The next
// upsert for the key clears the flag again.
func (s *Store) MarkChecked(ctx context.Context, userID, chatID, messageID int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE message_cache SET checked=TRUE WHERE user_id=$1 AND chat_id=$2 AND message_id=$3`,
		userID, chatID, messageID)
	return err
}

// DeleteMessageVersion removes the row only if its version still matches the
// one the caller read. Returns false when a concurrent upsert bumped the
// version first, in which case the fresh row survives and is re-checked on
// the next pass.
func (s *Store) DeleteMessageVersion(ctx context.Context, userID, chatID, messageID, version int64) (bool, error) {
	res, err := s.db.Exec(ctx,
		`DELETE FROM message_cache WHERE user_id=$1 AND chat_id=$2 AND message_id=$3 AND version=$4`,
		userID, chatID, messageID, version)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// DeleteChatMessages removes every cached row for one conversation.
func (s *Store) DeleteChatMessages(ctx context.Context, userID, chatID int64) (int64, error) {
	res, err := s.db.Exec(ctx,
		`DELETE FROM message_cache WHERE user_id=$1 AND chat_id=$2`, userID, chatID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CachedCount reports how many rows the user currently has in the cache,
// split by confirmation state. Used by the status command only.
func (s *Store) CachedCount(ctx context.Context, userID int64) (total, unchecked int64, err error) {
	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN checked THEN 0 ELSE 1 END), 0)
		FROM message_cache WHERE user_id=$1
	`, userID).Scan(&total, &unchecked)
	return
}

// PurgeOlderThan drops rows older than maxAge regardless of checked state,
// bounding cache growth even for permanently unreachable conversations.
func (s *Store) PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.Exec(ctx, `DELETE FROM message_cache WHERE created_ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ============================================================================
// Policy
// ============================================================================

// GetPolicy returns the user's policy, defaulting to "watch groups, no
// exclusions" when nothing is stored.
func (s *Store) GetPolicy(ctx context.Context, userID int64) (*MonitoringPolicy, error) {
	policy := &MonitoringPolicy{UserID: userID, WatchGroups: true, Excluded: make(map[int64]string)}
	err := s.db.QueryRow(ctx,
		`SELECT watch_groups FROM monitor_policy WHERE user_id=$1`, userID,
	).Scan(&policy.WatchGroups)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		`SELECT chat_id, title FROM monitor_exclusion WHERE user_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var chatID int64
		var title string
		if err := rows.Scan(&chatID, &title); err != nil {
			return nil, err
		}
		policy.Excluded[chatID] = title
	}
	return policy, rows.Err()
}

func (s *Store) SetWatchGroups(ctx context.Context, userID int64, watch bool) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO monitor_policy (user_id, watch_groups) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET watch_groups=excluded.watch_groups
	`, userID, watch)
	return err
}

// Exclude adds a conversation to the user's exclusion set and purges its
// already-cached rows, so no notification can fire for it afterwards.
func (s *Store) Exclude(ctx context.Context, userID, chatID int64, title string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO monitor_exclusion (user_id, chat_id, title) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, chat_id) DO UPDATE SET title=excluded.title
	`, userID, chatID, title)
	if err != nil {
		return err
	}
	_, err = s.DeleteChatMessages(ctx, userID, chatID)
	return err
}

// Unexclude is idempotent.
func (s *Store) Unexclude(ctx context.Context, userID, chatID int64) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM monitor_exclusion WHERE user_id=$1 AND chat_id=$2`, userID, chatID)
	return err
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
