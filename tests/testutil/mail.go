package testutil

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/internal/source"
)

// PlainMIME renders a minimal text/plain message with CRLF line endings.
func PlainMIME(from, subject, body string) string {
	mime := fmt.Sprintf(
		"From: %s\nTo: me@example.com\nSubject: %s\nDate: Mon, 02 Jan 2006 15:04:05 +0000\nContent-Type: text/plain; charset=utf-8\n\n%s\n",
		from, subject, body,
	)
	return strings.ReplaceAll(mime, "\n", "\r\n")
}

// FakeProvider is an in-memory source.MailProvider. Threads maps a thread
// ID to its message IDs and Messages maps a message ID to its MIME source.
type FakeProvider struct {
	mu sync.Mutex

	Threads  map[string][]string
	Messages map[string]string
	Listing  []model.ThreadRef

	// Broken message IDs are returned with an undecodable payload.
	Broken map[string]bool

	ListErr   error
	ThreadErr map[string]error
	WatchErr  error
	WatchID   uint64

	ListCalls    int
	MessageCalls int
	WatchCalls   int
	WatchTopic   string
	WatchLabels  []string
	ListedLabels []string
	ListedMax    int64
}

// NewFakeProvider returns an empty provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Threads:   map[string][]string{},
		Messages:  map[string]string{},
		Broken:    map[string]bool{},
		ThreadErr: map[string]error{},
		WatchID:   1000,
	}
}

// AddThread registers a thread with one plain message per body.
func (f *FakeProvider) AddThread(threadID string, bodies ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(bodies))
	for i, body := range bodies {
		id := fmt.Sprintf("%s-m%d", threadID, i+1)
		f.Messages[id] = PlainMIME("sender@example.com", "Subject "+threadID, body)
		ids = append(ids, id)
	}
	f.Threads[threadID] = ids
	f.Listing = append(f.Listing, model.ThreadRef{ID: threadID})
}

// Factory returns a source.Factory that always hands out f.
func (f *FakeProvider) Factory() source.Factory {
	return func(context.Context, model.TokenPair) (source.MailProvider, error) {
		return f, nil
	}
}

func (f *FakeProvider) ListThreads(_ context.Context, labels []string, maxResults int64) ([]model.ThreadRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ListCalls++
	f.ListedLabels = labels
	f.ListedMax = maxResults
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := f.Listing
	if maxResults > 0 && int64(len(out)) > maxResults {
		out = out[:maxResults]
	}
	return append([]model.ThreadRef(nil), out...), nil
}

func (f *FakeProvider) GetThread(_ context.Context, threadID string) ([]model.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ThreadErr[threadID]; err != nil {
		return nil, err
	}
	ids, ok := f.Threads[threadID]
	if !ok {
		return nil, &source.ProviderError{Op: "threads.get", Code: 404, Message: "not found"}
	}
	refs := make([]model.MessageRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, model.MessageRef{ID: id})
	}
	return refs, nil
}

func (f *FakeProvider) GetMessage(_ context.Context, messageID, _ string) (*model.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.MessageCalls++
	if f.Broken[messageID] {
		return &model.RawMessage{ID: messageID, Raw: "!!not-base64!!"}, nil
	}
	mime, ok := f.Messages[messageID]
	if !ok {
		return nil, &source.ProviderError{Op: "messages.get", Code: 404, Message: "not found"}
	}
	threadID := messageID
	if i := strings.LastIndex(messageID, "-m"); i > 0 {
		threadID = messageID[:i]
	}
	return &model.RawMessage{
		ID:       messageID,
		ThreadID: threadID,
		Raw:      base64.URLEncoding.EncodeToString([]byte(mime)),
		LabelIDs: []string{model.LabelInbox},
	}, nil
}

func (f *FakeProvider) GetAttachment(context.Context, string, string) (*model.AttachmentData, error) {
	return nil, &source.ProviderError{Op: "attachments.get", Code: 404, Message: "not found"}
}

func (f *FakeProvider) RegisterWatch(_ context.Context, topic string, labels []string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.WatchCalls++
	f.WatchTopic = topic
	f.WatchLabels = labels
	if f.WatchErr != nil {
		return 0, f.WatchErr
	}
	return f.WatchID, nil
}
