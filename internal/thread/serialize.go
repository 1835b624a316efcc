package thread

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/nhle/mailpipe/internal/model"
)

// Separator joins serialized threads inside a batch.
const Separator = " --- separator ---- "

// serializedThread is the JSON shape of one thread in a batch.
type serializedThread struct {
	ThreadID string   `json:"threadId"`
	Messages []string `json:"messages"`
}

// SerializeBatch renders threads as JSON objects joined by Separator.
func SerializeBatch(threads []model.ParsedThread) (string, error) {
	parts := make([]string, 0, len(threads))
	for _, th := range threads {
		st := serializedThread{
			ThreadID: th.ThreadID,
			Messages: make([]string, 0, len(th.Messages)),
		}
		for i := range th.Messages {
			st.Messages = append(st.Messages, FormatMessage(&th.Messages[i]))
		}

		raw, err := json.Marshal(st)
		if err != nil {
			return "", fmt.Errorf("encoding thread %s: %w", th.ThreadID, err)
		}
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, Separator), nil
}

// FormatMessage renders a parsed message as a small markdown document.
func FormatMessage(m *model.ParsedMessage) string {
	var b strings.Builder

	b.WriteString("# Message\n")
	fmt.Fprintf(&b, "- **ID:** %s\n", orNA(m.MessageID))
	fmt.Fprintf(&b, "- **Thread ID:** %s\n", orNA(m.ThreadID))
	fmt.Fprintf(&b, "- **From:** %s\n", orNA(m.From))
	fmt.Fprintf(&b, "- **To:** %s\n", orNA(m.To))
	fmt.Fprintf(&b, "- **Subject:** %s\n", orNA(m.Subject))
	fmt.Fprintf(&b, "- **Date:** %s\n", formatDate(m))

	labels := "None"
	if len(m.Labels) > 0 {
		labels = strings.Join(m.Labels, ", ")
	}
	fmt.Fprintf(&b, "- **Labels:** [%s]\n", labels)

	fmt.Fprintf(&b, "\n## Snippet\n> %s\n", orNA(m.Snippet))
	fmt.Fprintf(&b, "\n## Body\n%s\n", orNA(bodyText(m)))

	if len(m.AttachmentRefs) > 0 {
		b.WriteString("\n## Attachments\n")
		for _, a := range m.AttachmentRefs {
			fmt.Fprintf(&b, "- %s (%s)\n", a.Filename, a.BlobURL)
		}
	}

	return strings.TrimSpace(b.String())
}

// bodyText converts HTML bodies to markdown; plain bodies pass through.
func bodyText(m *model.ParsedMessage) string {
	body := strings.TrimSpace(m.BodyText)
	if !m.BodyIsHTML || body == "" {
		return body
	}
	md, err := htmltomarkdown.ConvertString(body)
	if err != nil {
		return body
	}
	return strings.TrimSpace(md)
}

func formatDate(m *model.ParsedMessage) string {
	if !m.Date.IsZero() {
		return m.Date.UTC().Format(time.RFC1123Z)
	}
	if m.InternalDate > 0 {
		return time.UnixMilli(m.InternalDate).UTC().Format(time.RFC1123Z)
	}
	return "N/A"
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
