package provider

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/evermail/dispatch/internal/message"
)

// buildRFC822 assembles the canonical message into an RFC 5322 MIME
// document. Gmail and SMTP both submit this form; body and attachment
// bytes are streamed in from the content store.
func buildRFC822(ctx context.Context, store ContentStore, msg *message.Message) ([]byte, error) {
	body, err := readAll(ctx, store, msg.BodyRef)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: msg.From}})
	h.SetAddressList("To", toAddressList(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toAddressList(msg.Cc))
	}
	for k, v := range msg.Headers {
		h.Set(k, v)
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline part: %w", err)
	}
	var th mail.InlineHeader
	if msg.HTML {
		th.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	} else {
		th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	}
	pw, err := tw.CreatePart(th)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := pw.Write(body); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	_ = pw.Close()
	_ = tw.Close()

	for _, att := range msg.Attachments {
		data, err := readAll(ctx, store, att.Ref)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %s: %w", att.Filename, err)
		}

		var ah mail.AttachmentHeader
		ah.SetFilename(att.Filename)
		if att.ContentType != "" {
			ah.Set("Content-Type", att.ContentType)
		}
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := aw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write attachment: %w", err)
		}
		_ = aw.Close()
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize message: %w", err)
	}

	return buf.Bytes(), nil
}

func toAddressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = &mail.Address{Address: a}
	}
	return out
}
