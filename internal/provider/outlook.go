package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/evermail/dispatch/internal/account"
	"github.com/evermail/dispatch/internal/credential"
	"github.com/evermail/dispatch/internal/message"
)

const graphAPIBase = "https://graph.microsoft.com/v1.0"

// Outlook sends and fetches through the Microsoft Graph API.
type Outlook struct {
	content ContentStore
	client  *http.Client
	baseURL string
}

var _ Adapter = (*Outlook)(nil)

func NewOutlook(content ContentStore) *Outlook {
	return &Outlook{
		content: content,
		client:  &http.Client{Timeout: 60 * time.Second},
		baseURL: graphAPIBase,
	}
}

func (o *Outlook) Provider() account.Provider { return account.ProviderOutlook }

type graphRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func graphRecipients(addrs []string) []graphRecipient {
	out := make([]graphRecipient, len(addrs))
	for i, a := range addrs {
		out[i].EmailAddress.Address = a
	}
	return out
}

func (o *Outlook) Send(ctx context.Context, cred *credential.Credential, _ *account.Account, msg *message.Message) (string, error) {
	body, err := readAll(ctx, o.content, msg.BodyRef)
	if err != nil {
		return "", Permanent("outlook", "content", err)
	}

	contentType := "text"
	if msg.HTML {
		contentType = "html"
	}

	payload := map[string]interface{}{
		"message": map[string]interface{}{
			"subject": msg.Subject,
			"body": map[string]string{
				"contentType": contentType,
				"content":     string(body),
			},
			"toRecipients":  graphRecipients(msg.To),
			"ccRecipients":  graphRecipients(msg.Cc),
			"bccRecipients": graphRecipients(msg.Bcc),
			"attachments":   o.graphAttachments(ctx, msg),
		},
	}

	data, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/me/sendMail", bytes.NewReader(data))
	if err != nil {
		return "", Transient("outlook", "request", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", Transient("outlook", "network", err)
	}
	defer resp.Body.Close()

	// Graph returns 202 with no body on success; there is no message
	// id until the item lands in Sent Items, so we synthesize one.
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return "", classifyHTTP("outlook", resp.StatusCode)
	}
	return "graph-" + time.Now().UTC().Format("20060102T150405.000000000"), nil
}

func (o *Outlook) graphAttachments(ctx context.Context, msg *message.Message) []map[string]string {
	out := make([]map[string]string, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		data, err := readAll(ctx, o.content, att.Ref)
		if err != nil {
			continue
		}
		out = append(out, map[string]string{
			"@odata.type":  "#microsoft.graph.fileAttachment",
			"name":         att.Filename,
			"contentType":  att.ContentType,
			"contentBytes": base64.StdEncoding.EncodeToString(data),
		})
	}
	return out
}

func (o *Outlook) FetchNew(ctx context.Context, cred *credential.Credential, _ *account.Account, cursor string, limit int) ([]message.Inbound, string, error) {
	if limit <= 0 {
		limit = 50
	}

	// The cursor is Graph's own @odata.nextLink.
	url := cursor
	if url == "" {
		url = fmt.Sprintf("%s/me/messages?$top=%d&$select=id,subject,from,toRecipients,receivedDateTime&$orderby=receivedDateTime",
			o.baseURL, limit)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", Transient("outlook", "request", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, "", Transient("outlook", "network", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", classifyHTTP("outlook", resp.StatusCode)
	}

	var listing struct {
		Value []struct {
			ID      string `json:"id"`
			Subject string `json:"subject"`
			From    struct {
				EmailAddress struct {
					Address string `json:"address"`
				} `json:"emailAddress"`
			} `json:"from"`
			ToRecipients     []graphRecipient `json:"toRecipients"`
			ReceivedDateTime time.Time        `json:"receivedDateTime"`
		} `json:"value"`
		NextLink string `json:"@odata.nextLink"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, "", Transient("outlook", "decode", err)
	}

	inbound := make([]message.Inbound, 0, len(listing.Value))
	for _, m := range listing.Value {
		in := message.Inbound{
			ProviderID: m.ID,
			Subject:    m.Subject,
			From:       m.From.EmailAddress.Address,
			ReceivedAt: m.ReceivedDateTime,
		}
		for _, r := range m.ToRecipients {
			in.To = append(in.To, r.EmailAddress.Address)
		}
		inbound = append(inbound, in)
	}

	return inbound, listing.NextLink, nil
}
