package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"relay/internal/authz"
	"relay/internal/domain"
	"relay/internal/presence"
	"relay/internal/service"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	coord   *service.Coordinator
	tracker *presence.Tracker
}

type sendRequest struct {
	ChatID     string `json:"chat_id"`
	ReceiverID string `json:"receiver_id"`
	Body       string `json:"body"`
}

type sendResponse struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	ReceiverID string    `json:"receiver_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type typingRequest struct {
	PartnerID string `json:"partner_id"`
	Typing    bool   `json:"typing"`
}

// NewRouter assembles the service surface. wsAttach is the websocket
// handler from the ws hub; authMW validates bearer tokens and injects the
// subject.
func NewRouter(coord *service.Coordinator, tracker *presence.Tracker, wsAttach http.HandlerFunc, authMW func(http.Handler) http.Handler, corsOrigins string) http.Handler {
	h := &Handler{coord: coord, tracker: tracker}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(httprate.LimitByIP(100, 1*time.Minute))

	origins := strings.Split(corsOrigins, ",")
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsIfSet(origins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(authMW)
		pr.Post("/v1/messages/send", h.handleSend)
		pr.Post("/v1/presence/typing", h.handleTyping)
		pr.Get("/v1/presence/{userID}", h.handlePresence)
		pr.Get("/ws", wsAttach)
	})

	return r
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	sender, ok := authz.SubjectFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	msg, err := h.coord.Send(r.Context(), service.SendInput{
		ChatID:     req.ChatID,
		SenderID:   sender,
		ReceiverID: req.ReceiverID,
		Body:       req.Body,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrStorageUnavailable):
			// Explicitly retriable: the message was not enqueued.
			w.Header().Set("Retry-After", "1")
			http.Error(w, "storage unavailable, retry", http.StatusServiceUnavailable)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, sendResponse{
		ID:         msg.ID.String(),
		ChatID:     msg.ChatID,
		ReceiverID: msg.ReceiverID,
		CreatedAt:  msg.CreatedAt,
	})
}

func (h *Handler) handleTyping(w http.ResponseWriter, r *http.Request) {
	userID, ok := authz.SubjectFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PartnerID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := h.coord.Typing(r.Context(), userID, req.PartnerID, req.Typing); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}
	snap, err := h.tracker.Snapshot(r.Context(), userID)
	if err != nil {
		http.Error(w, "storage unavailable, retry", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func originsIfSet(origins []string) []string {
	var out []string
	for _, o := range origins {
		if s := strings.TrimSpace(o); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
