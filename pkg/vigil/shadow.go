package vigil

import (
	"context"
	"errors"
)

// MediaKind is the closed set of content variants a cached message can carry.
// Classification resolves every observed message to exactly one kind.
type MediaKind string

const (
	MediaNone      MediaKind = ""
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaVoice     MediaKind = "voice"
	MediaAudio     MediaKind = "audio"
	MediaDocument  MediaKind = "document"
	MediaSticker   MediaKind = "sticker"
	MediaAnimation MediaKind = "animation"
	MediaVideoNote MediaKind = "video_note"
	MediaUnknown   MediaKind = "unknown"
)

// ConvKind distinguishes private dialogs from group/channel conversations.
// Private dialogs are always monitored while a session is active; groups and
// channels are subject to policy.
type ConvKind int

const (
	ConvPrivate ConvKind = iota
	ConvGroup
	ConvChannel
)

// ShadowMessage is one observed inbound or edited message on a shadow
// connection, already flattened from the origin service's wire types.
type ShadowMessage struct {
	ChatID    int64
	MessageID int64
	ChatKind  ConvKind
	ChatTitle string

	SenderID     int64
	SenderName   string
	SenderHandle string

	// Outgoing is true when the monitored account itself sent the message.
	Outgoing bool

	// Text is the message text or media caption, empty if neither.
	Text string

	// Media is nil for text-only messages.
	Media *MediaInfo

	// Secret is set when the origin service flags the message or its media
	// as self-destructing or forwarding-protected.
	Secret bool
}

// MediaInfo is the adapter-flattened view of an attached media object.
type MediaInfo struct {
	// Kind as recognized by the origin adapter; MediaUnknown when the
	// attachment did not match any known variant.
	Kind MediaKind

	// Ref is the opaque reference usable to re-fetch the media through the
	// connection that observed it. Persisted verbatim in the cache.
	Ref []byte

	MimeType string
	FileName string
}

// Errors the origin adapter maps transport failures onto. The reconciler's
// skip scoping is driven entirely by these.
var (
	// ErrConversationUnresolvable: the connection cannot address this
	// conversation in the current session (never observed since start).
	ErrConversationUnresolvable = errors.New("conversation not resolvable in this session")

	// ErrConnectionUnavailable: transient transport failure; the connection
	// stays registered and the operation is retried on a later pass.
	ErrConnectionUnavailable = errors.New("shadow connection unavailable")

	// ErrAuthFailed: the stored credential was rejected. Terminal for the
	// session; no retry without a fresh credential.
	ErrAuthFailed = errors.New("shadow authentication failed")
)

// originClient is the query surface of a live shadow connection used by the
// reconciliation loop and by media recovery.
type originClient interface {
	// FetchMessages checks which of ids still exist in the conversation.
	// The result maps every requested id to its presence; an id absent from
	// the origin's response is reported as present=false (deleted).
	FetchMessages(ctx context.Context, chatID int64, ids []int64) (map[int64]bool, error)

	// DownloadMedia fetches media by its opaque reference and returns a
	// local file path. The caller owns the file.
	DownloadMedia(ctx context.Context, ref []byte) (string, error)
}

// shadowConn is one live authenticated observer connection.
type shadowConn interface {
	originClient

	// Alive reports whether the underlying transport is still up. A dead
	// connection is skipped by reconciliation until explicitly restarted.
	Alive() bool

	// Stop tears the connection down. Idempotent. In-flight downloads tied
	// to a specific message are allowed to finish or fail on their own.
	Stop()
}

// messageHandlers are the observer callbacks registered on a connection
// before it is brought online. The connection passes itself back so the
// observer can trigger downloads through the same identity that saw the
// message.
type messageHandlers struct {
	onMessage func(ctx context.Context, userID int64, conn originClient, msg *ShadowMessage)
	onEdit    func(ctx context.Context, userID int64, conn originClient, msg *ShadowMessage)
}

// connectFunc dials the origin service as the given user. Implementations
// must return ErrAuthFailed (wrapped or not) when the credential is rejected,
// so the manager can revoke the session instead of retrying forever.
type connectFunc func(ctx context.Context, userID int64, credential []byte, handlers messageHandlers) (shadowConn, error)
