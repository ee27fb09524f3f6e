package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/evermail/dispatch/internal/account"
	"github.com/evermail/dispatch/internal/credential"
	"github.com/evermail/dispatch/internal/message"
)

// SMTPIMAP is the generic variant: outbound mail over SMTP submission,
// inbound sync over IMAP. Host and port come from the account record;
// the password from the credential.
type SMTPIMAP struct {
	content ContentStore
}

var _ Adapter = (*SMTPIMAP)(nil)

func NewSMTPIMAP(content ContentStore) *SMTPIMAP {
	return &SMTPIMAP{content: content}
}

func (s *SMTPIMAP) Provider() account.Provider { return account.ProviderIMAP }

func (s *SMTPIMAP) Send(ctx context.Context, cred *credential.Credential, acct *account.Account, msg *message.Message) (string, error) {
	raw, err := buildRFC822(ctx, s.content, msg)
	if err != nil {
		return "", Permanent("smtp", "build", err)
	}

	port := acct.SMTPPort
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(acct.SMTPHost, strconv.Itoa(port))

	client, err := smtp.DialStartTLS(addr, nil)
	if err != nil {
		return "", Transient("smtp", "connect", err)
	}
	defer client.Close()

	auth := sasl.NewPlainClient("", acct.Email, cred.Password)
	if err := client.Auth(auth); err != nil {
		return "", classifySMTP(err)
	}

	if err := client.SendMail(msg.From, msg.AllRecipients(), bytes.NewReader(raw)); err != nil {
		return "", classifySMTP(err)
	}
	_ = client.Quit()

	// SMTP has no provider message id; synthesize a stable one.
	return fmt.Sprintf("smtp-%d", time.Now().UnixNano()), nil
}

// classifySMTP maps SMTP reply codes onto the taxonomy: 4xx replies are
// temporary by definition, 535 and relatives are credential failures,
// remaining 5xx are permanent rejections.
func classifySMTP(err error) *Error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		code := strconv.Itoa(smtpErr.Code)
		switch {
		case smtpErr.Code >= 400 && smtpErr.Code < 500:
			return Transient("smtp", code, err)
		case smtpErr.Code == 530 || smtpErr.Code == 534 || smtpErr.Code == 535:
			return AuthFailure("smtp", code, err)
		default:
			return Permanent("smtp", code, err)
		}
	}

	// No structured reply, fall back to string sniffing the way MTAs
	// have to with ad-hoc server responses.
	low := strings.ToLower(err.Error())
	if strings.Contains(low, "auth") || strings.Contains(low, "credential") {
		return AuthFailure("smtp", "", err)
	}
	return Transient("smtp", "", err)
}

// FetchNew pulls messages with UIDs above the cursor from INBOX. The
// returned cursor is the highest UID seen, so sync resumes without
// re-reading old mail.
func (s *SMTPIMAP) FetchNew(ctx context.Context, cred *credential.Credential, acct *account.Account, cursor string, limit int) ([]message.Inbound, string, error) {
	if limit <= 0 {
		limit = 50
	}

	port := acct.IMAPPort
	if port == 0 {
		port = 993
	}
	addr := net.JoinHostPort(acct.IMAPHost, strconv.Itoa(port))

	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, "", Transient("imap", "connect", err)
	}
	defer func() { _ = client.Logout().Wait() }()

	if err := client.Login(acct.Email, cred.Password).Wait(); err != nil {
		return nil, "", AuthFailure("imap", "login", err)
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, "", Transient("imap", "select", err)
	}

	var lastUID uint32
	if cursor != "" {
		n, err := strconv.ParseUint(cursor, 10, 32)
		if err != nil {
			return nil, "", Permanent("imap", "cursor", fmt.Errorf("bad sync cursor %q: %w", cursor, err))
		}
		lastUID = uint32(n)
	}

	var uidRange imap.UIDSet
	uidRange.AddRange(imap.UID(lastUID+1), 0)
	criteria := &imap.SearchCriteria{UID: []imap.UIDSet{uidRange}}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, "", Transient("imap", "search", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, cursor, nil
	}
	if len(uids) > limit {
		uids = uids[:limit]
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope: true,
		UID:      true,
	})
	defer fetchCmd.Close()

	var inbound []message.Inbound
	maxUID := lastUID
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		if uint32(buf.UID) > maxUID {
			maxUID = uint32(buf.UID)
		}

		in := message.Inbound{
			ProviderID: strconv.FormatUint(uint64(buf.UID), 10),
		}
		if env := buf.Envelope; env != nil {
			in.Subject = env.Subject
			in.ReceivedAt = env.Date
			if len(env.From) > 0 {
				in.From = env.From[0].Addr()
			}
			for _, to := range env.To {
				in.To = append(in.To, to.Addr())
			}
		}
		inbound = append(inbound, in)
	}

	if err := fetchCmd.Close(); err != nil {
		return inbound, strconv.FormatUint(uint64(maxUID), 10), Transient("imap", "fetch", err)
	}

	return inbound, strconv.FormatUint(uint64(maxUID), 10), nil
}
