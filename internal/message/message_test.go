package message

import "testing"

func TestValidate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		m := &Message{
			From:    "sender@example.com",
			To:      []string{"a@example.net"},
			Subject: "hi",
		}
		if err := m.Validate(); err != nil {
			t.Errorf("Valid message rejected: %v", err)
		}
	})

	t.Run("NoSender", func(t *testing.T) {
		m := &Message{To: []string{"a@example.net"}}
		if err := m.Validate(); err == nil {
			t.Error("Expected error for missing sender")
		}
	})

	t.Run("NoRecipients", func(t *testing.T) {
		m := &Message{From: "sender@example.com"}
		if err := m.Validate(); err == nil {
			t.Error("Expected error for missing recipients")
		}
	})

	t.Run("BccOnlyIsEnough", func(t *testing.T) {
		m := &Message{From: "sender@example.com", Bcc: []string{"hidden@example.net"}}
		if err := m.Validate(); err != nil {
			t.Errorf("Bcc-only message rejected: %v", err)
		}
	})

	t.Run("MalformedRecipient", func(t *testing.T) {
		m := &Message{From: "sender@example.com", To: []string{"not-an-address"}}
		if err := m.Validate(); err == nil {
			t.Error("Expected error for malformed recipient")
		}
	})
}

func TestRecipientAccounting(t *testing.T) {
	m := &Message{
		From: "sender@example.com",
		To:   []string{"a@example.net", "b@example.net"},
		Cc:   []string{"c@example.net"},
		Bcc:  []string{"d@example.net"},
	}

	if got := m.RecipientCount(); got != 4 {
		t.Errorf("RecipientCount = %d, want 4", got)
	}

	all := m.AllRecipients()
	if len(all) != 4 || all[0] != "a@example.net" || all[3] != "d@example.net" {
		t.Errorf("AllRecipients = %v", all)
	}
}

func TestDomain(t *testing.T) {
	cases := []struct {
		addr string
		want string
	}{
		{"user@Example.COM", "example.com"},
		{"a@b@c.example", "c.example"},
		{"no-at-sign", ""},
		{"trailing@", ""},
	}
	for _, tc := range cases {
		if got := Domain(tc.addr); got != tc.want {
			t.Errorf("Domain(%q) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}
