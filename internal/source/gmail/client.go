package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/internal/source"
)

const (
	me             = "me"
	defaultTimeout = 30 * time.Second
)

// Client is a Gmail REST client bound to a single user's token pair.
type Client struct {
	svc     *gm.Service
	timeout time.Duration
}

var _ source.MailProvider = (*Client)(nil)

// NewClient creates a client authorized with tokens. opts are appended
// after the token source, so an explicit option.WithHTTPClient wins.
func NewClient(
	ctx context.Context,
	tokens model.TokenPair,
	timeout time.Duration,
	opts ...option.ClientOption,
) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    "Bearer",
	})

	all := append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := gm.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}

	return &Client{svc: svc, timeout: timeout}, nil
}

// NewFactory returns a source.Factory producing Gmail clients. endpoint
// overrides the API base URL when non-empty.
func NewFactory(endpoint string, timeout time.Duration, opts ...option.ClientOption) source.Factory {
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return func(ctx context.Context, tokens model.TokenPair) (source.MailProvider, error) {
		return NewClient(ctx, tokens, timeout, opts...)
	}
}

// ListThreads lists threads carrying all of labels, up to maxResults.
func (c *Client) ListThreads(
	ctx context.Context,
	labels []string,
	maxResults int64,
) ([]model.ThreadRef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	call := c.svc.Users.Threads.List(me).Context(ctx)
	if len(labels) > 0 {
		call = call.LabelIds(labels...)
	}
	if maxResults > 0 {
		call = call.MaxResults(maxResults)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, providerError("threads.list", err)
	}

	threads := make([]model.ThreadRef, 0, len(resp.Threads))
	for _, t := range resp.Threads {
		threads = append(threads, model.ThreadRef{
			ID:        t.Id,
			Snippet:   t.Snippet,
			HistoryID: t.HistoryId,
		})
	}
	return threads, nil
}

// GetThread returns the message IDs and labels of a thread.
func (c *Client) GetThread(ctx context.Context, threadID string) ([]model.MessageRef, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	thread, err := c.svc.Users.Threads.Get(me, threadID).
		Format(model.FormatMinimal).
		Context(ctx).
		Do()
	if err != nil {
		return nil, providerError("threads.get", err)
	}

	refs := make([]model.MessageRef, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		refs = append(refs, model.MessageRef{ID: m.Id, LabelIDs: m.LabelIds})
	}
	return refs, nil
}

// GetMessage fetches a message in the requested format.
func (c *Client) GetMessage(
	ctx context.Context,
	messageID string,
	format string,
) (*model.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if format == "" {
		format = model.FormatRaw
	}

	msg, err := c.svc.Users.Messages.Get(me, messageID).
		Format(format).
		Context(ctx).
		Do()
	if err != nil {
		return nil, providerError("messages.get", err)
	}

	return &model.RawMessage{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		Raw:          msg.Raw,
		Snippet:      msg.Snippet,
		InternalDate: msg.InternalDate,
		LabelIDs:     msg.LabelIds,
	}, nil
}

// GetAttachment downloads and decodes an attachment body.
func (c *Client) GetAttachment(
	ctx context.Context,
	messageID string,
	attachmentID string,
) (*model.AttachmentData, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.svc.Users.Messages.Attachments.Get(me, messageID, attachmentID).
		Context(ctx).
		Do()
	if err != nil {
		return nil, providerError("attachments.get", err)
	}

	data, err := DecodeBase64URL(body.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding attachment %s: %w", attachmentID, err)
	}
	return &model.AttachmentData{Data: data, Size: body.Size}, nil
}

// RegisterWatch subscribes the mailbox to push notifications.
func (c *Client) RegisterWatch(ctx context.Context, topic string, labels []string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.svc.Users.Watch(me, &gm.WatchRequest{
		TopicName: topic,
		LabelIds:  labels,
	}).Context(ctx).Do()
	if err != nil {
		return 0, providerError("watch", err)
	}
	return resp.HistoryId, nil
}

// providerError converts API client errors into *source.ProviderError.
func providerError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.Code)
		}
		return &source.ProviderError{Op: op, Code: apiErr.Code, Message: msg}
	}
	return &source.ProviderError{Op: op, Code: 0, Message: err.Error()}
}

// DecodeBase64URL decodes base64url data with or without padding.
func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
