package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	flaglog "github.com/OrlandoBitencourt/flagkeeper/internal/log"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Webhook-Signature"

const maxWebhookBody = 1 << 20

// WebhookPayload is a change notification from the flag service.
type WebhookPayload struct {
	Event     string   `json:"event"`
	FlagKeys  []string `json:"flag_keys"`
	Timestamp string   `json:"timestamp"`
}

const (
	EventFlagUpdated = "flag.updated"
	EventFlagDeleted = "flag.deleted"
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if s.config.WebhookSecret != "" && !Verify(s.config.WebhookSecret, body, r.Header.Get(SignatureHeader)) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	logger := s.logger.With("event", payload.Event, "flags", payload.FlagKeys)

	switch payload.Event {
	case EventFlagUpdated:
		if _, err := s.client.Refresh(r.Context()); err != nil {
			logger.Warn("refresh after webhook failed", flaglog.Err(err))
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	case EventFlagDeleted:
		for _, key := range payload.FlagKeys {
			if err := s.client.InvalidateFlag(r.Context(), key); err != nil {
				logger.Warn("invalidate after webhook failed", flaglog.FlagKey, key, flaglog.Err(err))
			}
		}
	default:
		logger.Debug("ignoring webhook event")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	}

	resp := map[string]any{"status": "ok"}
	s.refreshWorkers(resp)
	logger.Info("webhook applied", "workers_signaled", resp["workers_signaled"])
	writeJSON(w, http.StatusOK, resp)
}

// Sign returns the signature for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body.
func Verify(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(secret, body)))
}
