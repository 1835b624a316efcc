package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailpipe/internal/model"
)

// ParseError is returned when a raw message cannot be decoded. Callers
// drop the message and continue with the rest of the batch.
type ParseError struct {
	MessageID string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing message %s: %v", e.MessageID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Result is a parsed message together with attachment bodies that still
// need to be uploaded.
type Result struct {
	Message     model.ParsedMessage
	Attachments []model.AttachmentPart
}

// Parse decodes a raw-format message into its headers, first text body and
// attachments. It has no side effects.
func Parse(raw *model.RawMessage) (*Result, error) {
	if raw == nil || raw.Raw == "" {
		id := ""
		if raw != nil {
			id = raw.ID
		}
		return nil, &ParseError{MessageID: id, Err: errors.New("empty raw payload")}
	}

	data, err := decodeRaw(raw.Raw)
	if err != nil {
		return nil, &ParseError{MessageID: raw.ID, Err: fmt.Errorf("decoding base64url: %w", err)}
	}

	mr, err := mail.CreateReader(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, &ParseError{MessageID: raw.ID, Err: err}
	}
	defer mr.Close()

	res := &Result{
		Message: model.ParsedMessage{
			MessageID:    raw.ID,
			ThreadID:     raw.ThreadID,
			Subject:      subject(mr.Header),
			From:         addresses(mr.Header, "From"),
			To:           addresses(mr.Header, "To"),
			InternalDate: raw.InternalDate,
			Snippet:      raw.Snippet,
			Labels:       raw.LabelIDs,
		},
	}
	if date, err := mr.Header.Date(); err == nil {
		res.Message.Date = date
	}

	bodyFound := false
	parts := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if parts == 0 {
				return nil, &ParseError{MessageID: raw.ID, Err: err}
			}
			// Keep what was decoded before the malformed part.
			break
		}
		parts++

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			if bodyFound {
				continue
			}
			contentType, _, _ := h.ContentType()
			if contentType != "text/plain" && contentType != "text/html" {
				continue
			}
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil && !message.IsUnknownCharset(readErr) {
				continue
			}
			res.Message.BodyText = string(body)
			res.Message.BodyIsHTML = contentType == "text/html"
			bodyFound = true

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			res.Attachments = append(res.Attachments, model.AttachmentPart{
				Filename:    filename,
				ContentType: contentType,
				Data:        body,
			})
		}
	}

	return res, nil
}

func subject(h mail.Header) string {
	s, err := h.Subject()
	if err != nil {
		return h.Get("Subject")
	}
	return s
}

// addresses renders an address header as "Name <addr>, addr2". Headers
// that fail to parse are returned verbatim.
func addresses(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return h.Get(key)
	}

	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Name != "" {
			out = append(out, fmt.Sprintf("%s <%s>", a.Name, a.Address))
		} else {
			out = append(out, a.Address)
		}
	}
	return strings.Join(out, ", ")
}

// decodeRaw accepts base64url with or without padding.
func decodeRaw(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
