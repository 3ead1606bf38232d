// Package smsgateway implements the SMS gateway (C4): an outbox dispatcher
// that selects a modem per queued command, sends it through a generic
// modem HTTP API, and reconciles replies back onto the command lifecycle
// (spec.md §4.4).
package smsgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/r3e-network/fleet-telemetry/domain/sms"
)

// httpTimeout bounds every modem API call.
const httpTimeout = 30 * time.Second

// ModemClient is the modem HTTP API contract the gateway consumes. Like
// CMSClient in the camera poller, the wire-level vendor details are out of
// scope (spec.md §1); this is the seam a real modem adapter implements.
type ModemClient interface {
	Authenticate(ctx context.Context, modem sms.ModemConfig, password string) (Session, error)
	Send(ctx context.Context, modem sms.ModemConfig, session Session, simNo, text string) error
	PollInbox(ctx context.Context, modem sms.ModemConfig, session Session) ([]InboundMessage, error)
}

// Session is the modem API's authenticated bearer-like token.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the session token is still usable.
func (s Session) Valid() bool {
	return s.Token != "" && time.Now().Before(s.ExpiresAt)
}

// InboundMessage is a raw reply read off a modem's inbox endpoint.
type InboundMessage struct {
	SimNo      string
	Text       string
	ReceivedAt time.Time
}

// HTTPModemClient is the generic JSON/REST ModemClient implementation
// shared across every configured modem.
type HTTPModemClient struct {
	hc *http.Client
}

// NewHTTPModemClient builds an HTTPModemClient bounded by httpTimeout.
func NewHTTPModemClient() *HTTPModemClient {
	return &HTTPModemClient{hc: &http.Client{Timeout: httpTimeout}}
}

type modemLoginRequest struct {
	SimSlotID string `json:"sim_slot_id"`
	Password  string `json:"password"`
}

type modemLoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in_seconds"`
}

// Authenticate logs into modem with its decrypted password.
func (c *HTTPModemClient) Authenticate(ctx context.Context, modem sms.ModemConfig, password string) (Session, error) {
	var resp modemLoginResponse
	if err := c.doJSON(ctx, http.MethodPost, modem.Host+"/api/login", Session{},
		modemLoginRequest{SimSlotID: modem.SimSlotID, Password: password}, &resp); err != nil {
		return Session{}, fmt.Errorf("smsgateway: authenticate modem %s: %w", modem.Name, err)
	}
	ttl := time.Duration(resp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return Session{Token: resp.Token, ExpiresAt: time.Now().Add(ttl)}, nil
}

type sendRequest struct {
	SimNo string `json:"sim_no"`
	Text  string `json:"text"`
}

// Send transmits text to simNo through modem.
func (c *HTTPModemClient) Send(ctx context.Context, modem sms.ModemConfig, session Session, simNo, text string) error {
	if err := c.doJSON(ctx, http.MethodPost, modem.Host+"/api/sms/send", session,
		sendRequest{SimNo: simNo, Text: text}, nil); err != nil {
		return fmt.Errorf("smsgateway: send via modem %s: %w", modem.Name, err)
	}
	return nil
}

type inboxResponse struct {
	Messages []struct {
		SimNo      string `json:"sim_no"`
		Text       string `json:"text"`
		ReceivedAt string `json:"received_at"`
	} `json:"messages"`
}

// PollInbox fetches unread inbound messages from modem.
func (c *HTTPModemClient) PollInbox(ctx context.Context, modem sms.ModemConfig, session Session) ([]InboundMessage, error) {
	var resp inboxResponse
	if err := c.doJSON(ctx, http.MethodGet, modem.Host+"/api/sms/inbox", session, nil, &resp); err != nil {
		return nil, fmt.Errorf("smsgateway: poll inbox modem %s: %w", modem.Name, err)
	}
	messages := make([]InboundMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		receivedAt, err := time.Parse(time.RFC3339, m.ReceivedAt)
		if err != nil {
			receivedAt = time.Now().UTC()
		}
		messages = append(messages, InboundMessage{SimNo: m.SimNo, Text: m.Text, ReceivedAt: receivedAt.UTC()})
	}
	return messages, nil
}

// ErrUnauthorized signals the session token was rejected.
var ErrUnauthorized = fmt.Errorf("smsgateway: unauthorized")

func (c *HTTPModemClient) doJSON(ctx context.Context, method, url string, session Session, body, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+session.Token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
