package message

import (
	"fmt"
	"strings"
	"time"
)

// Message is the provider-agnostic representation of an outbound email.
// Body and attachments are carried by reference; the engine never owns
// the bytes, it only streams them through to the provider adapter.
type Message struct {
	From        string            `json:"from"`
	To          []string          `json:"to"`
	Cc          []string          `json:"cc,omitempty"`
	Bcc         []string          `json:"bcc,omitempty"`
	Subject     string            `json:"subject"`
	BodyRef     string            `json:"body_ref"`
	HTML        bool              `json:"html,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Attachment references stored attachment bytes by path or URL.
type Attachment struct {
	Ref         string `json:"ref"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size,omitempty"`
}

// Inbound is a message fetched from a provider during sync.
type Inbound struct {
	ProviderID string    `json:"provider_id"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
	Raw        []byte    `json:"-"`
}

// RecipientCount returns the total number of envelope recipients. The
// rate limiter charges bulk sends by this count.
func (m *Message) RecipientCount() int {
	return len(m.To) + len(m.Cc) + len(m.Bcc)
}

// AllRecipients returns to, cc and bcc addresses in envelope order.
func (m *Message) AllRecipients() []string {
	out := make([]string, 0, m.RecipientCount())
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}

// Validate checks the minimum shape required before a message can be
// enqueued. Content validity is the provider's problem; this only
// rejects messages no adapter could ever send.
func (m *Message) Validate() error {
	if m.From == "" {
		return fmt.Errorf("message has no sender")
	}
	if m.RecipientCount() == 0 {
		return fmt.Errorf("message has no recipients")
	}
	for _, addr := range m.AllRecipients() {
		if !strings.Contains(addr, "@") {
			return fmt.Errorf("invalid recipient address: %s", addr)
		}
	}
	return nil
}

// Domain returns the lowercase domain of an email address, or "" if the
// address is malformed.
func Domain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at == -1 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}
