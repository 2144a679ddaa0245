package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	secretHeader    = "X-Telegram-Bot-Api-Secret-Token"
	maxWebhookBytes = 1 << 20
)

type BackendInfo struct {
	Name     string `json:"name"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// StatusInfo is the static description served on GET.
type StatusInfo struct {
	ChatID         int64
	HighCapability BackendInfo
	Fast           BackendInfo
}

type statusResponse struct {
	Status   string                 `json:"status"`
	ChatID   int64                  `json:"chat_id"`
	Backends map[string]BackendInfo `json:"backends"`
}

type okResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type flushResponse struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	Sent   int    `json:"sent"`
}

type heartbeatResponse struct {
	OK        bool   `json:"ok"`
	Status    string `json:"status,omitempty"`
	Flushed   int    `json:"flushed"`
	Silent    bool   `json:"silent"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

type HandlerOptions struct {
	WebhookPath string
	Secret      string
	Status      StatusInfo
}

// Handler serves the Telegram webhook plus the operational endpoints.
type Handler struct {
	pipeline  *Pipeline
	flusher   Flusher
	heartbeat *Heartbeat
	opts      HandlerOptions
	log       *zap.Logger
}

func NewHandler(p *Pipeline, f Flusher, hb *Heartbeat, opts HandlerOptions, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{pipeline: p, flusher: f, heartbeat: hb, opts: opts, log: log}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+h.opts.WebhookPath, h.handleWebhook)
	mux.HandleFunc("GET "+h.opts.WebhookPath, h.handleStatus)
	mux.HandleFunc("GET /heartbeat", h.handleHeartbeat)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, okResponse{OK: true})
	})
	return mux
}

// authorized checks the webhook secret header when one is configured.
func (h *Handler) authorized(r *http.Request) bool {
	if h.opts.Secret == "" {
		return true
	}
	got := r.Header.Get(secretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.opts.Secret)) == 1
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.log.Warn("webhook secret mismatch", zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusForbidden, okResponse{OK: false, Error: "Unauthorized"})
		return
	}

	update, err := decodeUpdate(r.Body)
	if err != nil {
		h.log.Warn("webhook payload dropped", zap.Error(err))
		writeJSON(w, http.StatusOK, okResponse{OK: true})
		return
	}

	// Telegram may hang up before the models answer; the reply still has to
	// be recorded and sent.
	ctx := context.WithoutCancel(r.Context())
	if _, err := h.pipeline.Handle(ctx, update); errors.Is(err, ErrUnauthorized) {
		writeJSON(w, http.StatusForbidden, okResponse{OK: false, Error: "Unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func decodeUpdate(body io.Reader) (tgbotapi.Update, error) {
	var u tgbotapi.Update
	data, err := io.ReadAll(io.LimitReader(body, maxWebhookBytes))
	if err != nil {
		return u, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return u, nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("flush") == "true" {
		h.handleFlush(w, r)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status: "Telegram webhook active",
		ChatID: h.opts.Status.ChatID,
		Backends: map[string]BackendInfo{
			"highCapability": h.opts.Status.HighCapability,
			"fast":           h.opts.Status.Fast,
		},
	})
}

func (h *Handler) handleFlush(w http.ResponseWriter, r *http.Request) {
	sent, err := h.flusher.Flush(context.WithoutCancel(r.Context()))
	if err != nil {
		h.log.Warn("flush failed", zap.Int("sent", sent), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, flushResponse{Error: "Flush failed", Sent: sent})
		return
	}
	writeJSON(w, http.StatusOK, flushResponse{Status: fmt.Sprintf("Sent %d message(s)", sent), Sent: sent})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusForbidden, okResponse{OK: false, Error: "Unauthorized"})
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	rep, err := h.heartbeat.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		h.log.Warn("heartbeat failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, heartbeatResponse{
			OK: false, Flushed: rep.Flushed, Timestamp: now, Error: "Heartbeat failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{
		OK:        true,
		Status:    rep.Status,
		Flushed:   rep.Flushed,
		Silent:    rep.Silent,
		ElapsedMs: rep.Elapsed.Milliseconds(),
		Timestamp: now,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
