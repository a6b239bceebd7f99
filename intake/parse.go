package intake

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	_ "github.com/emersion/go-message/charset"
)

type parsedAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type parsedMessage struct {
	MessageID   string
	InReplyTo   string
	References  string
	From        string
	To          []string
	Cc          []string
	Subject     string
	Date        time.Time
	BodyText    string
	BodyHTML    string
	Attachments []parsedAttachment
	Headers     map[string]string
}

// parseMessage decodes a fully-buffered RFC 5322 message into the fields the
// pipeline persists
func parseMessage(raw []byte) (*parsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	pm := &parsedMessage{
		MessageID:  strings.TrimSpace(mr.Header.Get("Message-Id")),
		InReplyTo:  strings.TrimSpace(mr.Header.Get("In-Reply-To")),
		References: strings.TrimSpace(mr.Header.Get("References")),
		Headers:    map[string]string{},
	}

	pm.Subject, _ = mr.Header.Subject()
	if date, err := mr.Header.Date(); err == nil {
		pm.Date = date
	}
	pm.From = firstAddress(mr.Header, "From")
	pm.To = addressList(mr.Header, "To")
	pm.Cc = addressList(mr.Header, "Cc")

	fields := mr.Header.Fields()
	for fields.Next() {
		pm.Headers[fields.Key()] = fields.Value()
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Tolerate broken sub-parts; keep what was already decoded
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if strings.HasPrefix(ct, "text/html") {
				pm.BodyHTML = string(data)
			} else {
				pm.BodyText = string(data)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if filename == "" {
				filename = "attachment"
			}
			if ct == "" {
				ct = "application/octet-stream"
			}
			pm.Attachments = append(pm.Attachments, parsedAttachment{
				Filename:    filename,
				ContentType: ct,
				Data:        data,
			})
		}
	}

	return pm, nil
}

func firstAddress(h mail.Header, field string) string {
	if addrs, err := h.AddressList(field); err == nil && len(addrs) > 0 {
		return addrs[0].Address
	}
	return strings.TrimSpace(h.Get(field))
}

func addressList(h mail.Header, field string) []string {
	addrs, err := h.AddressList(field)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}

// searchText denormalizes the searchable fields for the excluded search
// layer
func searchText(pm *parsedMessage) string {
	return strings.ToLower(strings.Join([]string{pm.Subject, pm.From, pm.BodyText}, " "))
}
