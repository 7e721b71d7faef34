package d3

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
)

// SignatureHeader carries the HMAC of a database webhook body.
const SignatureHeader = "X-D3-Signature"

// ChangeHandlerFunc applies a verified row change.
type ChangeHandlerFunc func(ctx context.Context, ev ChangeEvent) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 signature ("sha256=<hex>" or
// bare hex) in constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
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

// ParseChangeEvent parses a Supabase database webhook body.
func ParseChangeEvent(body string) (*ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	switch ev.Type {
	case "INSERT", "UPDATE", "DELETE":
	case "":
		return nil, fmt.Errorf("missing type field in webhook payload")
	default:
		return nil, fmt.Errorf("unknown change type: %s", ev.Type)
	}
	if ev.Table == "" {
		return nil, fmt.Errorf("missing table field in webhook payload")
	}
	return &ev, nil
}

// ============================================================================
// ChangeWebhook
// ============================================================================

// ChangeWebhook receives signed database webhooks and hands the changes to
// a handler, typically Engine.ApplyChange.
type ChangeWebhook struct {
	secret   string
	onChange ChangeHandlerFunc
}

// NewChangeWebhook creates a webhook receiver.
func NewChangeWebhook(secret string, onChange ChangeHandlerFunc) (*ChangeWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &ChangeWebhook{secret: secret, onChange: onChange}, nil
}

// Handle verifies, parses and applies one webhook body. It returns the status
// code and response body for the caller to write.
func (w *ChangeWebhook) Handle(ctx context.Context, body, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	ev, err := ParseChangeEvent(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if err := w.onChange(ctx, *ev); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
func (w *ChangeWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		defer r.Body.Close()
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		status, data := w.Handle(r.Context(), string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, status, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

// ============================================================================
// Applying changes
// ============================================================================

// ApplyChange mirrors a remote row change into the local store so edits made
// on another device are readable offline. Only passage_responses rows are
// mirrored; other tables are ignored. A cell with a queued local edit keeps
// the local value.
func (e *Engine) ApplyChange(ctx context.Context, ev ChangeEvent) error {
	if ev.Table != tableResponses {
		return nil
	}
	raw := ev.Record
	if ev.Type == "DELETE" {
		raw = ev.OldRecord
	}
	var p ResponsePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode %s record: %w", ev.Table, err)
	}
	if err := p.validate(); err != nil {
		return fmt.Errorf("%s record: %w", ev.Table, err)
	}

	week := WeekKey{GroupID: p.GroupID, UserID: p.UserID, WeekNumber: p.WeekNumber}
	if _, queued := e.pendingCells(ctx, week)[p.Cell()]; queued {
		e.logger.Debug("change skipped, local edit queued", "component", "webhook", "field", p.FieldKey())
		return nil
	}

	if ev.Type == "DELETE" {
		return e.store.Delete(ctx, PartitionResponses, p.FieldKey())
	}
	return e.putResponse(ctx, p)
}
