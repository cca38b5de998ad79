package vigil

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Reconciler periodically re-fetches cached-but-unconfirmed messages through
// each user's live shadow connection and treats absence as deletion. Presence
// is never terminal; only absence triggers action.
type Reconciler struct {
	store    *Store
	manager  *Manager
	notifier Notifier
	cfg      ReconcileConfig
	log      zerolog.Logger

	// passSem caps overlapping passes: a slow pass may still be running
	// when the next tick fires, but never more than MaxConcurrentPasses.
	passSem  chan struct{}
	stopChan chan struct{}
}

type passCounters struct {
	Checked    int
	Deleted    int
	Kept       int
	Skipped    int
	Superseded int
}

func (c *passCounters) add(other passCounters) {
	c.Checked += other.Checked
	c.Deleted += other.Deleted
	c.Kept += other.Kept
	c.Skipped += other.Skipped
	c.Superseded += other.Superseded
}

func NewReconciler(store *Store, manager *Manager, notifier Notifier, cfg ReconcileConfig, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		manager:  manager,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With().Str("component", "reconciler").Logger(),
		passSem:  make(chan struct{}, cfg.MaxConcurrentPasses),
		stopChan: make(chan struct{}),
	}
}

// Run drives passes at the configured interval until ctx is cancelled or
// Stop is called. Blocks; callers run it in its own goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case r.passSem <- struct{}{}:
				go func() {
					defer func() { <-r.passSem }()
					r.runPass(ctx)
				}()
			default:
				r.log.Warn().
					Int("cap", r.cfg.MaxConcurrentPasses).
					Msg("Reconciliation pass skipped: overlap cap reached")
			}
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		}
	}
}

func (r *Reconciler) Stop() {
	close(r.stopChan)
}

// runPass reconciles every active connection once. Failures for one user
// never affect another user's connection.
func (r *Reconciler) runPass(ctx context.Context) {
	start := time.Now()
	var total passCounters
	conns := r.manager.ActiveConnections()
	for _, ac := range conns {
		if !ac.Conn.Alive() {
			// Currently unreachable; the connection stays registered and is
			// retried naturally on the next pass. No cache mutation.
			r.log.Debug().Int64("user_id", ac.UserID).Msg("Skipping dead shadow connection")
			continue
		}
		counts := r.reconcileUser(ctx, ac.UserID, ac.Conn)
		total.add(counts)
	}
	if total.Checked > 0 || total.Deleted > 0 {
		r.log.Info().
			Int("connections", len(conns)).
			Int("checked", total.Checked).
			Int("deleted", total.Deleted).
			Int("kept", total.Kept).
			Int("skipped", total.Skipped).
			Dur("elapsed", time.Since(start)).
			Msg("Reconciliation pass complete")
	}
}

// reconcileUser runs one pass for one user: load a bounded unconfirmed
// batch, group it by conversation, and issue one batched existence check per
// conversation. Errors scoped to a conversation abort only that
// conversation's batch; a connection-level error aborts the rest of this
// user's pass.
func (r *Reconciler) reconcileUser(ctx context.Context, userID int64, conn shadowConn) passCounters {
	var counts passCounters
	log := r.log.With().Int64("user_id", userID).Logger()

	batch, err := r.store.UncheckedBatch(ctx, userID, r.cfg.BatchSize)
	if err != nil {
		log.Err(err).Msg("Failed to load unconfirmed batch")
		return counts
	}
	if len(batch) == 0 {
		return counts
	}

	byChat := make(map[int64][]*CachedMessage)
	for _, msg := range batch {
		byChat[msg.ChatID] = append(byChat[msg.ChatID], msg)
	}

	for chatID, msgs := range byChat {
		ids := make([]int64, len(msgs))
		for i, msg := range msgs {
			ids[i] = msg.MessageID
		}
		present, err := conn.FetchMessages(ctx, chatID, ids)
		if err != nil {
			counts.Skipped += len(msgs)
			switch {
			case errors.Is(err, ErrConnectionUnavailable):
				log.Warn().Err(err).Msg("Shadow connection unreachable, aborting pass for this user")
				return counts
			case errors.Is(err, ErrConversationUnresolvable):
				log.Debug().Int64("chat_id", chatID).Msg("Conversation not resolvable this session, skipping")
			default:
				log.Warn().Err(err).Int64("chat_id", chatID).Msg("Existence check failed for conversation")
			}
			continue
		}

		for _, msg := range msgs {
			counts.Checked++
			if present[msg.MessageID] {
				// Still there. Mark confirmed-present so the batch window
				// moves on; any future edit upsert re-enters the row into
				// the unconfirmed pool.
				if err := r.store.MarkChecked(ctx, userID, msg.ChatID, msg.MessageID); err != nil {
					log.Err(err).Str("key", msg.Key()).Msg("Failed to mark message checked")
				}
				counts.Kept++
				continue
			}
			r.handleDeleted(ctx, log, conn, msg, &counts)
		}
	}
	return counts
}

// handleDeleted delivers the deletion notification (with best-effort media
// recovery) and removes the row. Removal happens after the delivery attempt
// whether or not delivery succeeded, so each deletion alerts at most once.
// The delete is version-guarded: a concurrent edit rewrite survives.
func (r *Reconciler) handleDeleted(ctx context.Context, log zerolog.Logger, conn shadowConn, msg *CachedMessage, counts *passCounters) {
	recoveredPath := ""
	recoveryFailed := false
	if len(msg.MediaRef) > 0 {
		path, err := conn.DownloadMedia(ctx, msg.MediaRef)
		if err != nil {
			recoveryFailed = true
			log.Warn().Err(err).Str("key", msg.Key()).Msg("Media recovery failed for deleted message")
		} else {
			recoveredPath = path
		}
	}

	r.notifier.SendText(ctx, msg.UserID, formatDeletionAlert(msg, recoveryFailed))
	if recoveredPath != "" {
		r.notifier.SendFile(ctx, msg.UserID, msg.MediaKind, recoveredPath, "Recovered from the deleted message")
		defer os.Remove(recoveredPath)
	}

	deleted, err := r.store.DeleteMessageVersion(ctx, msg.UserID, msg.ChatID, msg.MessageID, msg.Version)
	if err != nil {
		log.Err(err).Str("key", msg.Key()).Msg("Failed to delete cache row for deleted message")
		return
	}
	if !deleted {
		// An edit rewrote the row mid-pass; the fresh content stays and is
		// re-checked next pass.
		counts.Superseded++
		log.Debug().Str("key", msg.Key()).Msg("Cache row superseded during pass, left in place")
		return
	}
	counts.Deleted++
	log.Info().Str("key", msg.Key()).Msg("Deleted message detected, owner notified")
}

// RunRetention purges cache rows older than the configured age on a slow
// cycle, independent of reconciliation outcome. Blocks like Run.
func (r *Reconciler) RunRetention(ctx context.Context, cfg RetentionConfig) {
	ticker := time.NewTicker(cfg.PurgeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			purged, err := r.store.PurgeOlderThan(ctx, cfg.MaxAge())
			if err != nil {
				r.log.Err(err).Msg("Retention purge failed")
				continue
			}
			if purged > 0 {
				r.log.Info().Int64("purged", purged).Dur("max_age", cfg.MaxAge()).Msg("Purged aged cache rows")
			}
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		}
	}
}
