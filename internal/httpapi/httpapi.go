// Package httpapi is the operator front door: delivery status, ad-hoc and
// scheduled sends, and transport lifecycle controls.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"psinotify/internal/metrics"
	"psinotify/internal/queue"
	"psinotify/internal/reconnect"
	"psinotify/internal/transport"
	"psinotify/pkg/logx"
)

// Sender queues outbound texts and schedules future notifications.
type Sender interface {
	Enqueue(to, body string, prio queue.Priority) error
	Schedule(ctx context.Context, to, body, typ string, at time.Time) (int64, error)
}

// Bot exposes the reconnection supervisor's controls.
type Bot interface {
	Restart()
	Status() reconnect.Status
}

type SessionClearer interface {
	Clear() error
}

type QueueStats interface {
	Stats() queue.Stats
}

type MetricsSource interface {
	Snapshot() metrics.Snapshot
}

type DeviceSource interface {
	Device() *transport.DeviceInfo
}

type Deps struct {
	Sender  Sender
	Bot     Bot
	Session SessionClearer
	Queue   QueueStats
	Metrics MetricsSource
	Devices DeviceSource
	State   func() transport.State
	Token   string
	Log     logx.Logger
}

type api struct {
	d Deps
}

// NewRouter builds the operator API. Mutating routes require the bearer
// token; status and health stay open for probes.
func NewRouter(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	a := &api{d: d}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(a.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)
	r.Get("/status", a.status)

	r.Group(func(r chi.Router) {
		r.Use(a.auth)
		r.Post("/send", a.send)
		r.Post("/send-bulk", a.sendBulk)
		r.Post("/schedule", a.schedule)
		r.Post("/bot/restart", a.botRestart)
		r.Post("/bot/clear-session", a.botClearSession)
	})

	return r
}

func (a *api) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.d.Log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

func (a *api) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if a.d.Token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(a.d.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type statusResponse struct {
	State     string                `json:"state"`
	Device    *transport.DeviceInfo `json:"device,omitempty"`
	Reconnect reconnect.Status      `json:"reconnect"`
	Queue     queue.Stats           `json:"queue"`
	Metrics   metrics.Snapshot      `json:"metrics"`
}

func (a *api) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		State:     a.d.State().String(),
		Reconnect: a.d.Bot.Status(),
		Queue:     a.d.Queue.Stats(),
		Metrics:   a.d.Metrics.Snapshot(),
	}
	if a.d.Devices != nil {
		resp.Device = a.d.Devices.Device()
	}
	writeJSON(w, http.StatusOK, resp)
}

type sendRequest struct {
	To       string `json:"to"`
	Body     string `json:"body"`
	Priority string `json:"priority,omitempty"`
}

func (r sendRequest) validate() error {
	if strings.TrimSpace(r.To) == "" {
		return errors.New("to is required")
	}
	if strings.TrimSpace(r.Body) == "" {
		return errors.New("body is required")
	}
	switch r.Priority {
	case "", string(queue.PriorityUrgent), string(queue.PriorityHigh), string(queue.PriorityNormal):
		return nil
	default:
		return errors.New("priority must be urgent, high or normal")
	}
}

func (a *api) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.d.Sender.Enqueue(req.To, req.Body, queue.Priority(req.Priority)); err != nil {
		writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

type bulkRequest struct {
	Messages []sendRequest `json:"messages"`
}

type bulkResult struct {
	Index  int    `json:"index"`
	Queued bool   `json:"queued"`
	Error  string `json:"error,omitempty"`
}

func (a *api) sendBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages is required")
		return
	}

	results := make([]bulkResult, len(req.Messages))
	queued := 0
	for i, m := range req.Messages {
		res := bulkResult{Index: i}
		err := m.validate()
		if err == nil {
			err = a.d.Sender.Enqueue(m.To, m.Body, queue.Priority(m.Priority))
		}
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Queued = true
			queued++
		}
		results[i] = res
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued":  queued,
		"total":   len(req.Messages),
		"results": results,
	})
}

type scheduleRequest struct {
	To           string `json:"to"`
	Body         string `json:"body"`
	Type         string `json:"type,omitempty"`
	ScheduledFor string `json:"scheduled_for"`
}

func (a *api) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := (sendRequest{To: req.To, Body: req.Body}).validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	at, err := time.Parse(time.RFC3339, req.ScheduledFor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scheduled_for must be RFC 3339")
		return
	}

	id, err := a.d.Sender.Schedule(r.Context(), req.To, req.Body, req.Type, at)
	if err != nil {
		writeEnqueueError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (a *api) botRestart(w http.ResponseWriter, _ *http.Request) {
	a.d.Bot.Restart()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

func (a *api) botClearSession(w http.ResponseWriter, _ *http.Request) {
	if err := a.d.Session.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "session clear failed")
		a.d.Log.Error("session clear failed", logx.Err(err))
		return
	}
	a.d.Bot.Restart()
	writeJSON(w, http.StatusOK, map[string]string{"status": "session cleared"})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue is full, try again later")
	default:
		// Address validation failures land here.
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
