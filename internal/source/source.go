package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nhle/mailpipe/internal/model"
)

// ProviderError is returned for any non-2xx response from the mail
// provider. Code is the HTTP status, or 0 when the request never got a
// response.
type ProviderError struct {
	Op      string
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s, %d): %s", e.Op, e.Code, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is a
// ProviderError caused by rejected credentials.
func IsAuthError(err error) bool {
	var provErr *ProviderError
	return errors.As(err, &provErr) && provErr.Code == http.StatusUnauthorized
}

// IsNotFound reports whether err is a ProviderError for a missing resource.
func IsNotFound(err error) bool {
	var provErr *ProviderError
	return errors.As(err, &provErr) && provErr.Code == http.StatusNotFound
}

// MailProvider is the contract of an authenticated mailbox client. An
// implementation is bound to one user's token pair and performs no retries.
type MailProvider interface {
	// ListThreads returns up to maxResults threads carrying every label in labels.
	ListThreads(ctx context.Context, labels []string, maxResults int64) ([]model.ThreadRef, error)

	// GetThread returns the messages of a thread. An empty slice is valid.
	GetThread(ctx context.Context, threadID string) ([]model.MessageRef, error)

	// GetMessage fetches one message in the given format (model.Format*).
	GetMessage(ctx context.Context, messageID, format string) (*model.RawMessage, error)

	// GetAttachment downloads a provider-hosted attachment body.
	GetAttachment(ctx context.Context, messageID, attachmentID string) (*model.AttachmentData, error)

	// RegisterWatch subscribes the mailbox to push notifications on topic
	// and returns the history ID the subscription starts from.
	RegisterWatch(ctx context.Context, topic string, labels []string) (uint64, error)
}

// Factory builds a MailProvider for a user's current token pair.
type Factory func(ctx context.Context, tokens model.TokenPair) (MailProvider, error)
