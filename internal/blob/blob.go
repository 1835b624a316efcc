package blob

import (
	"context"
	"path"
	"strings"
)

// Metadata keys attached to every uploaded attachment.
const (
	MetaUserID    = "userid"
	MetaMessageID = "messageid"
	MetaFilename  = "filename"
)

// Object is a blob to be written.
type Object struct {
	Key         string
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// Store writes blobs. Implementations overwrite existing keys.
type Store interface {
	Put(ctx context.Context, obj Object) error
}

// AttachmentKey builds the object key for an attachment:
// <userID>/attachments/<threadID>/<messageID>/<filename>.
func AttachmentKey(userID, threadID, messageID, filename string) string {
	return path.Join(userID, "attachments", threadID, messageID, safeName(filename))
}

// safeName keeps filenames from escaping their key prefix.
func safeName(name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "attachment"
	}
	return name
}
