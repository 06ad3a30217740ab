package omnidesk

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is the body a channel connector POSTs when a message
// arrives or changes state on the external platform.
type WebhookPayload struct {
	Source       string  `json:"source"`
	Event        string  `json:"event"`
	Timestamp    int64   `json:"timestamp"`
	Conversation string  `json:"conversation"`
	Assignee     string  `json:"assignee,omitempty"`
	Queue        string  `json:"queue,omitempty"`
	Message      Message `json:"message"`
}

// WebhookHandlerFunc is an optional callback invoked after a verified
// payload has been applied to the store.
type WebhookHandlerFunc func(payload *WebhookPayload) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a connector webhook signature using
// HMAC-SHA256. Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != "omnidesk" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event != EventMessageNew && payload.Event != EventMessageUpdate {
		return nil, fmt.Errorf("unknown webhook event: %s", payload.Event)
	}
	if payload.Conversation == "" {
		return nil, fmt.Errorf("missing conversation field in webhook payload")
	}
	if !payload.Message.HasServerOrigin() && payload.Message.ClientID == "" {
		return nil, fmt.Errorf("missing message identity in webhook payload")
	}
	if payload.Message.Timestamp.IsZero() {
		return nil, fmt.Errorf("missing message timestamp in webhook payload")
	}

	return &payload, nil
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook handles connector webhook verification, parsing, and routing
// into a ConversationStore. It is the fallback delivery path for
// deployments without a realtime transport; because it feeds the same
// upsert as the adapter, a message delivered over both paths still lands
// as one entry.
type Webhook struct {
	secret  string
	store   *ConversationStore
	metrics *Metrics
	onEvent WebhookHandlerFunc
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookMetrics sets the webhook metric sink.
func WithWebhookMetrics(m *Metrics) WebhookOption {
	return func(w *Webhook) { w.metrics = m }
}

// WithWebhookCallback registers a callback invoked after each applied
// payload.
func WithWebhookCallback(fn WebhookHandlerFunc) WebhookOption {
	return func(w *Webhook) { w.onEvent = fn }
}

// NewWebhook creates a webhook handler feeding verified events into store.
func NewWebhook(secret string, store *ConversationStore, opts ...WebhookOption) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	w := &Webhook{
		secret: secret,
		store:  store,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *Webhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed WebhookPayload.
func (w *Webhook) Parse(body string) (*WebhookPayload, error) {
	return ParseWebhookPayload(body)
}

// Handle processes a webhook request (verify + parse + apply to store).
// Returns the status code and response body for the caller to write.
func (w *Webhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		w.metrics.dropped(DropUnauthorized)
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := w.Parse(body)
	if err != nil {
		w.metrics.dropped(DropMalformed)
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if payload.Assignee != "" || payload.Queue != "" || payload.Message.Channel != "" {
		w.store.SetConversationMeta(payload.Conversation, ConversationMeta{
			Assignee: payload.Assignee,
			Queue:    payload.Queue,
			Channel:  payload.Message.Channel,
		})
	}
	w.store.UpsertMessage(payload.Conversation, &payload.Message)

	if w.onEvent != nil {
		if err := w.onEvent(payload); err != nil {
			return http.StatusInternalServerError, map[string]string{"error": err.Error()}
		}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := omnidesk.NewWebhook("secret", store)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		body := string(bodyBytes)
		signature := r.Header.Get("X-Omnidesk-Signature")

		statusCode, data := w.Handle(body, signature)

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *Webhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}
