package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWebhookSignsBody(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	secret := "test-secret"
	hook := NewWebhook(srv.URL, secret, 5*time.Second)

	if err := hook.NotifyInternalError(context.Background(), "mutation fix_averages failed", "trace"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if subj := gotHeaders.Get("X-Compmut-Subject"); subj != "mutation fix_averages failed" {
		t.Errorf("X-Compmut-Subject = %q", subj)
	}

	sigHeader := gotHeaders.Get("X-Hub-Signature-256")
	if !strings.HasPrefix(sigHeader, "sha256=") {
		t.Fatalf("X-Hub-Signature-256 header missing or malformed: %q", sigHeader)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); strings.TrimPrefix(sigHeader, "sha256=") != want {
		t.Errorf("signature mismatch: got %q, want %q", sigHeader, want)
	}

	var decoded webhookPayload
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Body != "trace" {
		t.Errorf("Body = %q, want trace", decoded.Body)
	}
}

func TestWebhookNon2xxReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, "secret", 5*time.Second).NotifyInternalError(context.Background(), "s", "b")
	if err == nil {
		t.Fatal("expected error for 502 response, got nil")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error should mention status code 502, got: %v", err)
	}
}

func TestWebhookContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewWebhook(srv.URL, "secret", 5*time.Second).NotifyInternalError(ctx, "s", "b")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected error to wrap context.Canceled, got: %v", err)
	}
}

func TestWebhookZeroTimeoutUsesDefault(t *testing.T) {
	hook := NewWebhook("http://localhost:9", "s", 0)
	if hook.client.Timeout != defaultWebhookTimeout {
		t.Errorf("timeout = %v, want %v", hook.client.Timeout, defaultWebhookTimeout)
	}
}

func TestWebhookMultilineSubjectIsDelivered(t *testing.T) {
	var hits int
	var gotSubject string
	var decoded webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		gotSubject = r.Header.Get("X-Compmut-Subject")
		_ = json.NewDecoder(r.Body).Decode(&decoded)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	joined := errors.Join(errors.New("regional idle: locked"), errors.New("finals idle: locked\r"))
	subject := "idle maintenance failed: " + joined.Error()

	hook := NewWebhook(srv.URL, "s", 5*time.Second)
	if err := hook.NotifyInternalError(context.Background(), subject, "trace"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected one delivery, got %d", hits)
	}
	if gotSubject != "idle maintenance failed: regional idle: locked" {
		t.Fatalf("X-Compmut-Subject = %q", gotSubject)
	}
	if decoded.Subject != subject {
		t.Fatalf("body subject = %q, want the full text", decoded.Subject)
	}
}

func TestHeaderSubject(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{in: "plain", want: "plain"},
		{in: "first\nsecond", want: "first"},
		{in: "tab\there\r", want: "tab here"},
		{in: strings.Repeat("x", 300), want: strings.Repeat("x", maxSubjectHeaderLen)},
	}
	for _, tt := range tests {
		if got := headerSubject(tt.in); got != tt.want {
			t.Fatalf("headerSubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
