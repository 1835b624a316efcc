package thread_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/internal/thread"
)

func TestFormatMessage(t *testing.T) {
	msg := &model.ParsedMessage{
		MessageID: "m1",
		ThreadID:  "t1",
		From:      "alice@example.com",
		Subject:   "Invoice 42",
		Date:      time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
		Labels:    []string{model.LabelInbox},
		BodyText:  "Please pay by Friday.",
		AttachmentRefs: []model.AttachmentRef{
			{Filename: "invoice.pdf", BlobURL: "https://blobs.test/u1/invoice.pdf"},
		},
	}

	out := thread.FormatMessage(msg)
	require.Contains(t, out, "- **ID:** m1")
	require.Contains(t, out, "- **To:** N/A")
	require.Contains(t, out, "- **Date:** Mon, 06 May 2024 07:08:09 +0000")
	require.Contains(t, out, "- **Labels:** [INBOX]")
	require.Contains(t, out, "> N/A")
	require.Contains(t, out, "Please pay by Friday.")
	require.Contains(t, out, "- invoice.pdf (https://blobs.test/u1/invoice.pdf)")
}

func TestFormatMessageConvertsHTMLBody(t *testing.T) {
	msg := &model.ParsedMessage{
		MessageID:    "m1",
		InternalDate: 1700000000000,
		BodyText:     "<p>Hello <strong>there</strong></p>",
		BodyIsHTML:   true,
	}

	out := thread.FormatMessage(msg)
	require.Contains(t, out, "Hello **there**")
	require.NotContains(t, out, "<p>")
	require.Contains(t, out, "- **Labels:** [None]")
	require.Contains(t, out, "2023")
}

func TestSerializeBatch(t *testing.T) {
	threads := []model.ParsedThread{
		{ThreadID: "t1", Messages: []model.ParsedMessage{{MessageID: "m1"}, {MessageID: "m2"}}},
		{ThreadID: "t2", Messages: []model.ParsedMessage{{MessageID: "m3"}}},
	}

	batch, err := thread.SerializeBatch(threads)
	require.NoError(t, err)

	parts := strings.Split(batch, thread.Separator)
	require.Len(t, parts, 2)

	var first struct {
		ThreadID string   `json:"threadId"`
		Messages []string `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(parts[0]), &first))
	require.Equal(t, "t1", first.ThreadID)
	require.Len(t, first.Messages, 2)
	require.Contains(t, first.Messages[1], "m2")
}

func TestSerializeBatchEmpty(t *testing.T) {
	batch, err := thread.SerializeBatch(nil)
	require.NoError(t, err)
	require.Empty(t, batch)
}
