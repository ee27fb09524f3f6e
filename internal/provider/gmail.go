package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/evermail/dispatch/internal/account"
	"github.com/evermail/dispatch/internal/credential"
	"github.com/evermail/dispatch/internal/message"
)

const gmailAPIBase = "https://gmail.googleapis.com/gmail/v1"

// Gmail sends and fetches through the Gmail REST API. Messages are
// submitted as base64url-encoded RFC 5322 documents.
type Gmail struct {
	content ContentStore
	client  *http.Client
	baseURL string
}

var _ Adapter = (*Gmail)(nil)

func NewGmail(content ContentStore) *Gmail {
	return &Gmail{
		content: content,
		client:  &http.Client{Timeout: 60 * time.Second},
		baseURL: gmailAPIBase,
	}
}

func (g *Gmail) Provider() account.Provider { return account.ProviderGmail }

func (g *Gmail) Send(ctx context.Context, cred *credential.Credential, _ *account.Account, msg *message.Message) (string, error) {
	raw, err := buildRFC822(ctx, g.content, msg)
	if err != nil {
		return "", Permanent("gmail", "build", err)
	}

	payload, _ := json.Marshal(map[string]string{
		"raw": base64.URLEncoding.EncodeToString(raw),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/users/me/messages/send", bytes.NewReader(payload))
	if err != nil {
		return "", Transient("gmail", "request", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", Transient("gmail", "network", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTP("gmail", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Transient("gmail", "decode", err)
	}
	return out.ID, nil
}

func (g *Gmail) FetchNew(ctx context.Context, cred *credential.Credential, _ *account.Account, cursor string, limit int) ([]message.Inbound, string, error) {
	if limit <= 0 {
		limit = 50
	}

	url := fmt.Sprintf("%s/users/me/messages?maxResults=%d", g.baseURL, limit)
	if cursor != "" {
		url += "&pageToken=" + cursor
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", Transient("gmail", "request", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, "", Transient("gmail", "network", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", classifyHTTP("gmail", resp.StatusCode)
	}

	var listing struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, "", Transient("gmail", "decode", err)
	}

	inbound := make([]message.Inbound, 0, len(listing.Messages))
	for _, m := range listing.Messages {
		msg, err := g.fetchMetadata(ctx, cred, m.ID)
		if err != nil {
			return nil, "", err
		}
		inbound = append(inbound, msg)
	}

	return inbound, listing.NextPageToken, nil
}

func (g *Gmail) fetchMetadata(ctx context.Context, cred *credential.Credential, id string) (message.Inbound, error) {
	url := g.baseURL + "/users/me/messages/" + id +
		"?format=metadata&metadataHeaders=From&metadataHeaders=To&metadataHeaders=Subject"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return message.Inbound{}, Transient("gmail", "request", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := g.client.Do(req)
	if err != nil {
		return message.Inbound{}, Transient("gmail", "network", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return message.Inbound{}, classifyHTTP("gmail", resp.StatusCode)
	}

	var meta struct {
		ID           string `json:"id"`
		InternalDate string `json:"internalDate"`
		Payload      struct {
			Headers []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"headers"`
		} `json:"payload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return message.Inbound{}, Transient("gmail", "decode", err)
	}

	in := message.Inbound{ProviderID: meta.ID}
	if ms, err := strconv.ParseInt(meta.InternalDate, 10, 64); err == nil {
		in.ReceivedAt = time.UnixMilli(ms)
	}
	for _, h := range meta.Payload.Headers {
		switch h.Name {
		case "From":
			in.From = h.Value
		case "To":
			in.To = []string{h.Value}
		case "Subject":
			in.Subject = h.Value
		}
	}
	return in, nil
}

// classifyHTTP maps REST provider status codes onto the taxonomy:
// 401/403 are credential problems, 429 and 5xx are worth retrying,
// remaining 4xx mean the request itself can never succeed.
func classifyHTTP(providerName string, status int) *Error {
	code := strconv.Itoa(status)
	err := fmt.Errorf("http status %d", status)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthFailure(providerName, code, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return Transient(providerName, code, err)
	default:
		return Permanent(providerName, code, err)
	}
}
