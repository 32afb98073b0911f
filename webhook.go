package rentsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the request body.
const WebhookSignatureHeader = "X-Rentsync-Signature"

// maxWebhookBody bounds the request body read by HTTPHandler.
const maxWebhookBody = 1 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature checks a "sha256=<hex>" (or bare hex) HMAC-SHA256
// signature of body.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := signWebhook(body, secret)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

func signWebhook(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignWebhookBody returns the header value a sender puts on body.
func SignWebhookBody(body, secret string) string {
	return "sha256=" + signWebhook(body, secret)
}

// ParseWebhookPayload decodes a database webhook body into a change event.
// The body has the shape
//
//	{"type":"INSERT","table":"messages","record":{...},"old_record":null}
func ParseWebhookPayload(body string) (*ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if ev.Table == "" {
		return nil, fmt.Errorf("missing table field in webhook payload")
	}
	switch ev.Kind {
	case ChangeInsert, ChangeUpdate:
		if ev.New.ID() == "" {
			return nil, fmt.Errorf("%s webhook without record id", ev.Kind)
		}
	case ChangeDelete:
		if ev.Old.ID() == "" {
			return nil, fmt.Errorf("DELETE webhook without old_record id")
		}
	default:
		return nil, fmt.Errorf("unknown webhook type: %q", ev.Kind)
	}
	return &ev, nil
}

// ============================================================================
// WebhookSource
// ============================================================================

// WebhookSource is a Subscriber fed by signed database webhooks. Mount
// HTTPHandler where the database posts row changes.
type WebhookSource struct {
	secret string
	feed   *Broadcaster
	log    logrus.FieldLogger
}

var _ Subscriber = (*WebhookSource)(nil)

// NewWebhookSource creates a source that accepts bodies signed with secret.
func NewWebhookSource(secret string, log logrus.FieldLogger) (*WebhookSource, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if log == nil {
		log = discardLogger()
	}
	return &WebhookSource{secret: secret, feed: NewBroadcaster(64), log: log}, nil
}

// Subscribe implements Subscriber.
func (w *WebhookSource) Subscribe(ctx context.Context, table string, opts SubscribeOptions) (Subscription, error) {
	return w.feed.Subscribe(ctx, table, opts), nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookSource) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle verifies, parses and publishes one webhook. It returns the status
// code and response body for the caller to write.
func (w *WebhookSource) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	n := w.feed.Publish(*ev)
	w.log.WithFields(logrus.Fields{"table": ev.Table, "type": ev.Kind, "delivered": n}).Debug("webhook received")
	return http.StatusOK, map[string]any{"ok": true, "delivered": n}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	src, _ := rentsync.NewWebhookSource(secret, log)
//	router.Post("/hooks/db", src.HTTPHandlerFunc())
func (w *WebhookSource) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *WebhookSource) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
