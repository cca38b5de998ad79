package vigil

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Manager owns at most one live shadow connection per user. It is the only
// component that dials the origin service; everything else reaches live
// connections through ActiveConnections or Conn.
//
// The manager never reconnects on its own: a connection that dies stays dead
// (and is skipped by reconciliation) until StartConnection is called again,
// normally by the startup replay of stored active sessions.
type Manager struct {
	store    *Store
	notifier Notifier
	connect  connectFunc
	handlers messageHandlers
	log      zerolog.Logger

	mu    sync.RWMutex
	conns map[int64]shadowConn
}

// ActiveConn pairs a user with their live connection for reconciliation.
type ActiveConn struct {
	UserID int64
	Conn   shadowConn
}

func NewManager(store *Store, notifier Notifier, connect connectFunc, log zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		notifier: notifier,
		connect:  connect,
		log:      log.With().Str("component", "shadow_manager").Logger(),
		conns:    make(map[int64]shadowConn),
	}
}

// SetObserver registers the observer callbacks used for every subsequently
// started connection. Must be called before the first StartConnection.
func (m *Manager) SetObserver(handlers messageHandlers) {
	m.handlers = handlers
}

// ConnectUser dials the origin service with the given credential and
// registers the resulting connection. No-op if one already exists for the
// user. The raw connect error is returned so callers can drive session state
// transitions off it.
func (m *Manager) ConnectUser(ctx context.Context, userID int64, credential []byte) error {
	m.mu.RLock()
	_, exists := m.conns[userID]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	conn, err := m.connect(ctx, userID, credential, m.handlers)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, raced := m.conns[userID]; raced {
		// Lost a concurrent start for the same user; keep the first one.
		m.mu.Unlock()
		conn.Stop()
		return nil
	}
	m.conns[userID] = conn
	m.mu.Unlock()
	m.log.Info().Int64("user_id", userID).Msg("Shadow connection started")
	return nil
}

// StartConnection brings a shadow connection online for a session already in
// the active state. Authentication failure is terminal for the credential:
// the stored session is revoked so no silent retry loop can form, and the
// user is told once.
func (m *Manager) StartConnection(ctx context.Context, userID int64, credential []byte) {
	err := m.ConnectUser(ctx, userID, credential)
	if err == nil {
		return
	}
	log := m.log.With().Int64("user_id", userID).Logger()
	if errors.Is(err, ErrAuthFailed) {
		log.Warn().Err(err).Msg("Shadow credential rejected, revoking session")
		if revokeErr := m.store.Revoke(ctx, userID); revokeErr != nil {
			log.Err(revokeErr).Msg("Failed to revoke session after auth failure")
		}
		m.notifier.SendText(ctx, userID,
			"Your monitoring session is no longer valid. Send /monitor with a fresh session string to re-enable it.")
	} else {
		log.Err(err).Msg("Failed to start shadow connection")
	}
}

// StopConnection tears down the user's connection if present. Idempotent.
func (m *Manager) StopConnection(userID int64) {
	m.mu.Lock()
	conn, ok := m.conns[userID]
	delete(m.conns, userID)
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.Stop()
	m.log.Info().Int64("user_id", userID).Msg("Shadow connection stopped")
}

// Conn returns the live connection for a user, or nil.
func (m *Manager) Conn(userID int64) shadowConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[userID]
}

// ActiveConnections snapshots every currently registered connection. Callers
// still check Alive before use: a dead-but-registered connection means
// "currently unreachable, skip this pass".
func (m *Manager) ActiveConnections() []ActiveConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]ActiveConn, 0, len(m.conns))
	for userID, conn := range m.conns {
		conns = append(conns, ActiveConn{UserID: userID, Conn: conn})
	}
	return conns
}

// StopAll tears down every connection, used at process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[int64]shadowConn)
	m.mu.Unlock()
	for userID, conn := range conns {
		conn.Stop()
		m.log.Debug().Int64("user_id", userID).Msg("Shadow connection stopped (shutdown)")
	}
}

// ReplayStoredSessions starts a connection for every session the store holds
// in the active state. Called once at process startup.
func (m *Manager) ReplayStoredSessions(ctx context.Context) {
	sessions, err := m.store.ActiveSessions(ctx)
	if err != nil {
		m.log.Err(err).Msg("Failed to load stored sessions for replay")
		return
	}
	for _, sess := range sessions {
		m.StartConnection(ctx, sess.UserID, sess.Credential)
	}
	if len(sessions) > 0 {
		m.log.Info().Int("count", len(sessions)).Msg("Replayed stored shadow sessions")
	}
}
