package vigil

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"
)

// How long a freshly dialed connection gets to authenticate before the
// credential is treated as unusable.
const connectTimeout = 45 * time.Second

// Conversation ids are exposed in Bot API form so the same id means the same
// thing in commands, exclusions and the MTProto adapter: users keep their raw
// id, basic groups are negated, channels get the -100 prefix.
const channelIDOffset = int64(1000000000000)

func chatIDForPeer(peer tg.PeerClass) (int64, ConvKind) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID, ConvPrivate
	case *tg.PeerChat:
		return -p.ChatID, ConvGroup
	case *tg.PeerChannel:
		return -(channelIDOffset + p.ChannelID), ConvChannel
	}
	return 0, ConvPrivate
}

// splitChatID reverses chatIDForPeer.
func splitChatID(chatID int64) (raw int64, kind ConvKind) {
	switch {
	case chatID <= -channelIDOffset:
		return -chatID - channelIDOffset, ConvChannel
	case chatID < 0:
		return -chatID, ConvGroup
	default:
		return chatID, ConvPrivate
	}
}

// mediaRef is the persisted, re-fetchable reference to a media object. It is
// stored verbatim in the cache row and must survive process restarts, so it
// carries everything a fresh download request needs.
type mediaRef struct {
	Kind          string `json:"kind"` // "photo" or "document"
	ID            int64  `json:"id"`
	AccessHash    int64  `json:"access_hash"`
	FileReference []byte `json:"file_reference"`
	ThumbType     string `json:"thumb_type,omitempty"`
	FileName      string `json:"file_name,omitempty"`
}

// gotdConn is one live MTProto connection, authenticated as the monitored
// user with their exported session string.
type gotdConn struct {
	client      *telegram.Client
	api         *tg.Client
	log         zerolog.Logger
	downloadDir string
	userID      int64
	selfID      int64

	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	// Channel access hashes learned from update entities. A channel that was
	// never seen this session cannot be addressed at all; see FetchMessages.
	hashMu        sync.RWMutex
	channelHashes map[int64]int64
}

// newShadowDialer returns the connectFunc used by the manager: it dials
// MTProto with a Telethon-format session string as the credential.
func newShadowDialer(cfg *Config, log zerolog.Logger) connectFunc {
	log = log.With().Str("component", "shadow_client").Logger()
	return func(ctx context.Context, userID int64, credential []byte, handlers messageHandlers) (shadowConn, error) {
		data, err := session.TelethonSession(string(credential))
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable session string: %v", ErrAuthFailed, err)
		}
		storage := new(session.StorageMemory)
		loader := session.Loader{Storage: storage}
		if err := loader.Save(ctx, data); err != nil {
			return nil, fmt.Errorf("failed to seed session storage: %w", err)
		}

		conn := &gotdConn{
			log:           log.With().Int64("user_id", userID).Logger(),
			downloadDir:   cfg.DownloadDir,
			userID:        userID,
			done:          make(chan struct{}),
			channelHashes: make(map[int64]int64),
		}

		dispatcher := tg.NewUpdateDispatcher()
		dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
			conn.handleMessage(ctx, e, update.Message, handlers.onMessage)
			return nil
		})
		dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateNewChannelMessage) error {
			conn.handleMessage(ctx, e, update.Message, handlers.onMessage)
			return nil
		})
		dispatcher.OnEditMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateEditMessage) error {
			conn.handleMessage(ctx, e, update.Message, handlers.onEdit)
			return nil
		})
		dispatcher.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, update *tg.UpdateEditChannelMessage) error {
			conn.handleMessage(ctx, e, update.Message, handlers.onEdit)
			return nil
		})

		conn.client = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
			SessionStorage: storage,
			UpdateHandler:  dispatcher,
		})
		conn.api = conn.client.API()

		runCtx, cancel := context.WithCancel(context.Background())
		conn.cancel = cancel
		ready := make(chan error, 1)
		go func() {
			defer close(conn.done)
			err := conn.client.Run(runCtx, func(ctx context.Context) error {
				status, err := conn.client.Auth().Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to query auth status: %w", err)
				}
				if !status.Authorized {
					return ErrAuthFailed
				}
				self, err := conn.client.Self(ctx)
				if err != nil {
					return fmt.Errorf("failed to fetch self: %w", err)
				}
				conn.selfID = self.ID
				conn.running.Store(true)
				ready <- nil
				<-ctx.Done()
				return ctx.Err()
			})
			conn.running.Store(false)
			if err != nil && runCtx.Err() == nil {
				conn.log.Err(err).Msg("Shadow connection terminated")
				select {
				case ready <- err:
				default:
				}
			}
		}()

		select {
		case err := <-ready:
			if err != nil {
				cancel()
				return nil, err
			}
		case <-time.After(connectTimeout):
			cancel()
			return nil, fmt.Errorf("%w: connect timed out", ErrConnectionUnavailable)
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}
		conn.log.Info().Int64("self_id", conn.selfID).Msg("Shadow connection authenticated")
		return conn, nil
	}
}

func (c *gotdConn) Alive() bool {
	return c.running.Load()
}

func (c *gotdConn) Stop() {
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
	}
}

// rememberEntities caches channel access hashes from update entities. Only
// channels need it; users and basic groups are addressable by id alone in the
// calls this adapter makes.
func (c *gotdConn) rememberEntities(e tg.Entities) {
	if len(e.Channels) == 0 {
		return
	}
	c.hashMu.Lock()
	for id, channel := range e.Channels {
		c.channelHashes[id] = channel.AccessHash
	}
	c.hashMu.Unlock()
}

func (c *gotdConn) channelHash(channelID int64) (int64, bool) {
	c.hashMu.RLock()
	defer c.hashMu.RUnlock()
	hash, ok := c.channelHashes[channelID]
	return hash, ok
}

// handleMessage flattens one raw update into a ShadowMessage and hands it to
// the registered observer callback. Service messages and empties carry no
// recoverable content and are dropped here.
func (c *gotdConn) handleMessage(ctx context.Context, e tg.Entities, raw tg.MessageClass, cb func(context.Context, int64, originClient, *ShadowMessage)) {
	c.rememberEntities(e)
	msg, ok := raw.(*tg.Message)
	if !ok || cb == nil {
		return
	}

	chatID, kind := chatIDForPeer(msg.PeerID)
	sm := &ShadowMessage{
		ChatID:    chatID,
		MessageID: int64(msg.ID),
		ChatKind:  kind,
		ChatTitle: chatTitle(e, msg.PeerID),
		Outgoing:  msg.Out,
		Text:      msg.Message,
	}
	sm.SenderID, sm.SenderName, sm.SenderHandle = senderInfo(e, msg, kind)
	sm.Media, sm.Secret = c.flattenMedia(msg)
	if msg.Noforwards {
		sm.Secret = true
	}

	cb(ctx, c.userID, c, sm)
}

// chatTitle resolves a display label for the conversation from the update's
// entity maps. Private dialogs use the peer user's name.
func chatTitle(e tg.Entities, peer tg.PeerClass) string {
	switch p := peer.(type) {
	case *tg.PeerUser:
		if user, ok := e.Users[p.UserID]; ok {
			return displayName(user)
		}
	case *tg.PeerChat:
		if chat, ok := e.Chats[p.ChatID]; ok {
			return chat.Title
		}
	case *tg.PeerChannel:
		if channel, ok := e.Channels[p.ChannelID]; ok {
			return channel.Title
		}
	}
	return ""
}

func senderInfo(e tg.Entities, msg *tg.Message, kind ConvKind) (id int64, name, handle string) {
	var userID int64
	if from, ok := msg.FromID.(*tg.PeerUser); ok {
		userID = from.UserID
	} else if kind == ConvPrivate {
		// Direct messages omit FromID; the peer is the sender.
		if peer, ok := msg.PeerID.(*tg.PeerUser); ok {
			userID = peer.UserID
		}
	}
	if userID == 0 {
		return 0, "", ""
	}
	if user, ok := e.Users[userID]; ok {
		return userID, displayName(user), user.Username
	}
	return userID, "", ""
}

func displayName(user *tg.User) string {
	if user.LastName != "" {
		return user.FirstName + " " + user.LastName
	}
	return user.FirstName
}

// flattenMedia maps the raw media object onto the MediaInfo contract and
// reports whether the attachment self-destructs.
func (c *gotdConn) flattenMedia(msg *tg.Message) (*MediaInfo, bool) {
	switch media := msg.Media.(type) {
	case nil:
		return nil, false
	case *tg.MessageMediaPhoto:
		_, secret := media.GetTTLSeconds()
		rawPhoto, ok := media.GetPhoto()
		if !ok {
			return &MediaInfo{Kind: MediaPhoto}, secret
		}
		photo, ok := rawPhoto.AsNotEmpty()
		if !ok {
			return &MediaInfo{Kind: MediaPhoto}, secret
		}
		ref := mediaRef{
			Kind:          "photo",
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbType:     largestPhotoSize(photo),
		}
		return &MediaInfo{Kind: MediaPhoto, Ref: marshalRef(c.log, ref)}, secret
	case *tg.MessageMediaDocument:
		_, secret := media.GetTTLSeconds()
		rawDoc, ok := media.GetDocument()
		if !ok {
			return &MediaInfo{Kind: MediaDocument}, secret
		}
		doc, ok := rawDoc.AsNotEmpty()
		if !ok {
			return &MediaInfo{Kind: MediaDocument}, secret
		}
		kind, fileName := classifyDocument(doc)
		ref := mediaRef{
			Kind:          "document",
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
			FileName:      fileName,
		}
		return &MediaInfo{
			Kind:     kind,
			Ref:      marshalRef(c.log, ref),
			MimeType: doc.MimeType,
			FileName: fileName,
		}, secret
	default:
		// Polls, geo, contacts and whatever Telegram adds next: not
		// re-downloadable files, recorded as unknown with no reference.
		return &MediaInfo{Kind: MediaUnknown}, false
	}
}

// classifyDocument maps document attributes onto the media kind vocabulary.
func classifyDocument(doc *tg.Document) (MediaKind, string) {
	kind := MediaDocument
	fileName := ""
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			fileName = a.FileName
		case *tg.DocumentAttributeSticker:
			kind = MediaSticker
		case *tg.DocumentAttributeAnimated:
			kind = MediaAnimation
		case *tg.DocumentAttributeVideo:
			if kind == MediaDocument {
				if a.RoundMessage {
					kind = MediaVideoNote
				} else {
					kind = MediaVideo
				}
			}
		case *tg.DocumentAttributeAudio:
			if kind == MediaDocument {
				if a.Voice {
					kind = MediaVoice
				} else {
					kind = MediaAudio
				}
			}
		}
	}
	return kind, fileName
}

func largestPhotoSize(photo *tg.Photo) string {
	best := ""
	bestArea := 0
	for _, size := range photo.Sizes {
		if s, ok := size.(*tg.PhotoSize); ok && s.W*s.H >= bestArea {
			bestArea = s.W * s.H
			best = s.Type
		}
	}
	return best
}

func marshalRef(log zerolog.Logger, ref mediaRef) []byte {
	data, err := json.Marshal(ref)
	if err != nil {
		log.Err(err).Msg("Failed to marshal media reference")
		return nil
	}
	return data
}

// FetchMessages checks which of the given ids still exist in the
// conversation. One call per conversation per pass; ids for users and basic
// groups go through messages.getMessages (message ids are global there),
// channel ids need the channel's access hash from this session.
func (c *gotdConn) FetchMessages(ctx context.Context, chatID int64, ids []int64) (map[int64]bool, error) {
	if !c.running.Load() {
		return nil, ErrConnectionUnavailable
	}

	inputIDs := make([]tg.InputMessageClass, len(ids))
	for i, id := range ids {
		inputIDs[i] = &tg.InputMessageID{ID: int(id)}
	}

	raw, kind := splitChatID(chatID)
	var result tg.MessagesMessagesClass
	var err error
	if kind == ConvChannel {
		hash, ok := c.channelHash(raw)
		if !ok {
			return nil, fmt.Errorf("%w: channel %d", ErrConversationUnresolvable, raw)
		}
		result, err = c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: raw, AccessHash: hash},
			ID:      inputIDs,
		})
	} else {
		result, err = c.api.MessagesGetMessages(ctx, inputIDs)
	}
	if err != nil {
		if !c.running.Load() || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionUnavailable, err)
		}
		return nil, fmt.Errorf("get messages failed for chat %d: %w", chatID, err)
	}

	present := make(map[int64]bool, len(ids))
	for _, id := range ids {
		present[id] = false
	}
	var messages []tg.MessageClass
	switch res := result.(type) {
	case *tg.MessagesMessages:
		messages = res.Messages
	case *tg.MessagesMessagesSlice:
		messages = res.Messages
	case *tg.MessagesChannelMessages:
		messages = res.Messages
	default:
		return nil, fmt.Errorf("unexpected get messages result %T for chat %d", result, chatID)
	}
	for _, m := range messages {
		if _, empty := m.(*tg.MessageEmpty); empty {
			continue
		}
		id := int64(m.GetID())
		if _, wanted := present[id]; wanted {
			present[id] = true
		}
	}
	return present, nil
}

// DownloadMedia re-fetches a media object by its stored reference into the
// configured download directory and returns the file path.
func (c *gotdConn) DownloadMedia(ctx context.Context, refData []byte) (string, error) {
	if !c.running.Load() {
		return "", ErrConnectionUnavailable
	}
	var ref mediaRef
	if err := json.Unmarshal(refData, &ref); err != nil {
		return "", fmt.Errorf("invalid media reference: %w", err)
	}

	var loc tg.InputFileLocationClass
	switch ref.Kind {
	case "photo":
		loc = &tg.InputPhotoFileLocation{
			ID:            ref.ID,
			AccessHash:    ref.AccessHash,
			FileReference: ref.FileReference,
			ThumbSize:     ref.ThumbType,
		}
	case "document":
		loc = &tg.InputDocumentFileLocation{
			ID:            ref.ID,
			AccessHash:    ref.AccessHash,
			FileReference: ref.FileReference,
		}
	default:
		return "", fmt.Errorf("invalid media reference kind %q", ref.Kind)
	}

	name := uuid.NewString()
	if ext := filepath.Ext(ref.FileName); ext != "" {
		name += ext
	}
	path := filepath.Join(c.downloadDir, name)
	if _, err := downloader.NewDownloader().Download(c.api, loc).ToPath(ctx, path); err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	return path, nil
}
