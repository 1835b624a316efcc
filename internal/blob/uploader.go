package blob

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nhle/mailpipe/internal/model"
)

// DefaultMaxAttachmentBytes is the largest attachment that is uploaded.
const DefaultMaxAttachmentBytes = 50 * 1024 * 1024

// Uploader persists message attachments and returns references to them.
type Uploader struct {
	store     Store
	publicURL string
	maxBytes  int64
	logger    zerolog.Logger
}

// NewUploader creates an uploader. publicURL is prefixed to object keys in
// returned references; maxBytes <= 0 selects DefaultMaxAttachmentBytes.
func NewUploader(store Store, publicURL string, maxBytes int64, logger zerolog.Logger) *Uploader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAttachmentBytes
	}
	return &Uploader{
		store:     store,
		publicURL: strings.TrimRight(publicURL, "/"),
		maxBytes:  maxBytes,
		logger:    logger.With().Str("component", "attachments").Logger(),
	}
}

// Upload stores each attachment of a message. Oversized attachments and
// failed uploads are logged and left out of the result.
func (u *Uploader) Upload(
	ctx context.Context,
	userID string,
	msg *model.ParsedMessage,
	parts []model.AttachmentPart,
) []model.AttachmentRef {
	var refs []model.AttachmentRef
	for _, part := range parts {
		log := u.logger.With().
			Str("user", userID).
			Str("message", msg.MessageID).
			Str("filename", part.Filename).
			Int("bytes", len(part.Data)).
			Logger()

		if int64(len(part.Data)) > u.maxBytes {
			log.Warn().Int64("limit", u.maxBytes).Msg("attachment too large, skipping")
			continue
		}

		key := AttachmentKey(userID, msg.ThreadID, msg.MessageID, part.Filename)
		err := u.store.Put(ctx, Object{
			Key:         key,
			Data:        part.Data,
			ContentType: part.ContentType,
			Metadata: map[string]string{
				MetaUserID:    userID,
				MetaMessageID: msg.MessageID,
				MetaFilename:  part.Filename,
			},
		})
		if err != nil {
			log.Error().Err(err).Msg("attachment upload failed")
			continue
		}

		refs = append(refs, model.AttachmentRef{
			Filename: part.Filename,
			BlobURL:  u.link(key),
		})
	}
	return refs
}

func (u *Uploader) link(key string) string {
	if u.publicURL == "" {
		return key
	}
	return u.publicURL + "/" + key
}
