package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxSubjectHeaderLen   = 200
)

type webhookPayload struct {
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

// Webhook posts maintainer notifications to an HTTP endpoint, for example a
// mail relay or a chat bridge. Each request is signed with HMAC-SHA256.
type Webhook struct {
	url    string
	secret []byte
	client *http.Client
	now    func() time.Time
}

// NewWebhook returns a Webhook that POSTs to url. A zero or negative timeout
// falls back to defaultWebhookTimeout.
func NewWebhook(url, secret string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NotifyInternalError sets these headers on every request:
//
//	Content-Type:        application/json
//	X-Compmut-Subject:   <first line of subject>
//	X-Hub-Signature-256: sha256=<hex-encoded HMAC-SHA256 of the body>
func (w *Webhook) NotifyInternalError(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(webhookPayload{Subject: subject, Body: body, SentAt: w.now()})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Compmut-Subject", headerSubject(subject))
	req.Header.Set("X-Hub-Signature-256", "sha256="+w.sign(payload))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *Webhook) sign(payload []byte) string {
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// headerSubject reduces subject to a single line that net/http accepts as a
// header value. The full subject travels in the JSON body.
func headerSubject(subject string) string {
	line, _, _ := strings.Cut(subject, "\n")
	line = strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, line))
	if len(line) > maxSubjectHeaderLen {
		line = strings.ToValidUTF8(line[:maxSubjectHeaderLen], "")
	}
	return line
}
