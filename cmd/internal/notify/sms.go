package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pairhub/cmd/internal/pairing"
)

const (
	defaultTimeout = 15 * time.Second
	defaultSMSURL  = "https://www.smslocal.com/dev/bulkV2"

	maxErrBody = 512
)

// SMSClient texts the paired number through an SMS Local style bulk API.
type SMSClient struct {
	APIKey     string
	BaseURL    string
	Sender     string
	HTTPClient *http.Client
}

// NewSMSClient returns a client that uses the given API key and optional base URL/sender.
func NewSMSClient(apiKey, baseURL, sender string) *SMSClient {
	if baseURL == "" {
		baseURL = defaultSMSURL
	}
	return &SMSClient{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		Sender:     sender,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

type smsRequest struct {
	Route   string `json:"route"`
	Numbers string `json:"numbers"`
	Message string `json:"message"`
	Sender  string `json:"sender_id,omitempty"`
}

// NotifyConnected implements pairing.Notifier. The subject must already be
// normalized to digits.
func (c *SMSClient) NotifyConnected(ctx context.Context, n pairing.ConnectedNotice) error {
	if c.APIKey == "" {
		return fmt.Errorf("sms: API key not configured")
	}

	raw, err := json.Marshal(smsRequest{
		Route:   "q",
		Numbers: n.Subject,
		Message: connectedMessage(n),
		Sender:  c.Sender,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return fmt.Errorf("sms: request failed status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

func connectedMessage(n pairing.ConnectedNotice) string {
	if n.Peer.Name != "" {
		return fmt.Sprintf("Your device %q was paired successfully.", n.Peer.Name)
	}
	return "Your device was paired successfully."
}
