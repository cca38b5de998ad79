package vigil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

// Content is the single tagged variant classification resolves a message to.
type Content struct {
	Kind MediaKind
	Ref  []byte
	// Text is the resolved display string: the message text/caption when
	// present, otherwise a placeholder derived from the media kind.
	Text string
}

// placeholder strings for media without a caption. MediaUnknown uses the
// literal "[unrecognized]" so later deletion alerts read correctly even when
// nothing about the attachment could be determined.
var kindPlaceholders = map[MediaKind]string{
	MediaPhoto:     "[photo]",
	MediaVideo:     "[video]",
	MediaVoice:     "[voice message]",
	MediaAudio:     "[audio]",
	MediaDocument:  "[document]",
	MediaSticker:   "[sticker]",
	MediaAnimation: "[animation]",
	MediaVideoNote: "[video note]",
	MediaUnknown:   "[unrecognized]",
}

// forcedDownloadTimeout bounds the single best-effort fetch attempted for
// unrecognized attachments so classification can't stall the observer.
const forcedDownloadTimeout = 30 * time.Second

// classify resolves a message to exactly one content variant, in fixed
// priority order:
//
//  1. text/caption provides the display string (the kind still reflects any
//     attached media);
//  2. a recognized media kind provides a placeholder string;
//  3. anything else is unknown-binary with the "[unrecognized]" placeholder.
//
// The unknown-binary path additionally makes one bounded forced-download
// attempt through conn so unrecognized-but-present attachments are not
// silently lost; a successful sniff upgrades the stored label. The attempt is
// never retried and never recursive, so classification always terminates in
// a recovered file or the placeholder.
func classify(ctx context.Context, log zerolog.Logger, conn originClient, msg *ShadowMessage) Content {
	content := Content{Kind: MediaNone}

	if msg.Media != nil {
		content.Kind = msg.Media.Kind
		content.Ref = msg.Media.Ref
	}

	if msg.Text != "" {
		content.Text = msg.Text
		return content
	}

	if content.Kind != MediaNone && content.Kind != MediaUnknown {
		content.Text = kindPlaceholders[content.Kind]
		if content.Kind == MediaDocument && msg.Media.FileName != "" {
			content.Text = fmt.Sprintf("[document: %s]", msg.Media.FileName)
		}
		return content
	}

	if msg.Media == nil {
		// No text and no media at all: empty message (service-level noise).
		content.Kind = MediaUnknown
		content.Text = kindPlaceholders[MediaUnknown]
		return content
	}

	// Unknown binary: force one download so the attachment survives even if
	// we can't name it, and sniff the result to improve the label.
	content.Kind = MediaUnknown
	content.Text = kindPlaceholders[MediaUnknown]
	if conn == nil || len(content.Ref) == 0 {
		return content
	}
	dlCtx, cancel := context.WithTimeout(ctx, forcedDownloadTimeout)
	defer cancel()
	path, err := conn.DownloadMedia(dlCtx, content.Ref)
	if err != nil {
		log.Debug().Err(err).
			Int64("chat_id", msg.ChatID).
			Int64("message_id", msg.MessageID).
			Msg("Forced download for unrecognized attachment failed")
		return content
	}
	defer os.Remove(path)
	if mime, sniffErr := mimetype.DetectFile(path); sniffErr == nil {
		content.Text = fmt.Sprintf("[unrecognized: %s]", mime.String())
	}
	return content
}
