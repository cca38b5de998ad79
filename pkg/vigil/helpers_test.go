package vigil

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := dbutil.NewWithDialect(":memory:", "sqlite3")
	require.NoError(t, err)
	// Shared in-memory database only exists on one connection.
	db.RawDB.SetMaxOpenConns(1)
	store := NewStore(db)
	require.NoError(t, store.EnsureSchema(context.Background()))
	t.Cleanup(func() {
		_ = db.Close()
	})
	return store
}

func testLogger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t))
}

type sentText struct {
	UserID int64
	Text   string
}

type sentFile struct {
	UserID  int64
	Kind    MediaKind
	Path    string
	Caption string
}

type fakeNotifier struct {
	mu    sync.Mutex
	Texts []sentText
	Files []sentFile
}

func (n *fakeNotifier) SendText(_ context.Context, userID int64, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Texts = append(n.Texts, sentText{UserID: userID, Text: text})
}

func (n *fakeNotifier) SendFile(_ context.Context, userID int64, kind MediaKind, path, caption string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Files = append(n.Files, sentFile{UserID: userID, Kind: kind, Path: path, Caption: caption})
}

func (n *fakeNotifier) lastText(t *testing.T) sentText {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.Texts)
	return n.Texts[len(n.Texts)-1]
}

// fakeConn implements shadowConn against in-memory state.
type fakeConn struct {
	mu      sync.Mutex
	alive   bool
	stopped bool

	// present maps chat id to message id to presence for FetchMessages.
	present  map[int64]map[int64]bool
	chatErrs map[int64]error

	dlDir     string
	dlData    []byte
	dlErr     error
	Downloads [][]byte
}

func newFakeConn(t *testing.T) *fakeConn {
	t.Helper()
	return &fakeConn{
		alive:    true,
		present:  make(map[int64]map[int64]bool),
		chatErrs: make(map[int64]error),
		dlDir:    t.TempDir(),
		dlData:   []byte("test file contents"),
	}
}

func (f *fakeConn) setPresent(chatID, messageID int64, present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.present[chatID] == nil {
		f.present[chatID] = make(map[int64]bool)
	}
	f.present[chatID][messageID] = present
}

func (f *fakeConn) FetchMessages(_ context.Context, chatID int64, ids []int64) (map[int64]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.chatErrs[chatID]; err != nil {
		return nil, err
	}
	result := make(map[int64]bool, len(ids))
	for _, id := range ids {
		result[id] = f.present[chatID][id]
	}
	return result, nil
}

func (f *fakeConn) DownloadMedia(_ context.Context, ref []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Downloads = append(f.Downloads, ref)
	if f.dlErr != nil {
		return "", f.dlErr
	}
	file, err := os.CreateTemp(f.dlDir, "media-*")
	if err != nil {
		return "", err
	}
	defer file.Close()
	if _, err := file.Write(f.dlData); err != nil {
		return "", err
	}
	return file.Name(), nil
}

func (f *fakeConn) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeConn) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.alive = false
}

func incomingText(chatID, messageID int64, text string) *ShadowMessage {
	return &ShadowMessage{
		ChatID:     chatID,
		MessageID:  messageID,
		ChatKind:   ConvPrivate,
		SenderID:   chatID,
		SenderName: "Test Sender",
		Text:       text,
	}
}
