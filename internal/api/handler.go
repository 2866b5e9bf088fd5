package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"ageverif_gateway/internal/metrics"
	"ageverif_gateway/internal/service"
	"ageverif_gateway/internal/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

type Handler struct {
	verificationService service.VerificationService
	pages               *Pages
	metrics             *metrics.Metrics
	logger              *zap.Logger
}

func NewHandler(verificationService service.VerificationService, pages *Pages, m *metrics.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		verificationService: verificationService,
		pages:               pages,
		metrics:             m,
		logger:              logger,
	}
}

// Routes собирает роутер со страницами, API и служебными эндпоинтами
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/age-verification", func(r chi.Router) {
		r.Get("/", h.pages.Verify)
		r.Get("/success", h.pages.Success)
		r.Get("/retry", h.pages.Retry)
		r.Get("/fail", h.pages.Fail)
	})

	r.Route("/api/age-verif", func(r chi.Router) {
		r.Use(limitBody)
		r.Post("/verify", h.verify)
		r.Post("/webhook", h.webhook)
		r.Get("/status", h.status)
		r.Post("/set-metafield", h.setMetafield)
	})

	return r
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	var req service.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Тело любой формы без токена трактуем как отсутствие токена
		req = service.VerifyRequest{}
	}

	resp, err := h.verificationService.Verify(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}

	resp, err := h.verificationService.HandleWebhook(r.Context(), raw, r.Header.Get(webhook.SignatureHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	resp, err := h.verificationService.Status(r.Context(), r.URL.Query().Get("order"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) setMetafield(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.readBody(w, r)
	if !ok {
		return
	}

	resp, err := h.verificationService.SetMetafield(r.Context(), raw, r.Header.Get(webhook.SignatureHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(r.Body)
	if err == nil {
		return raw, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
		return nil, false
	}
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "failed to read body"})
	return nil, false
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := service.StatusCode(err)
	fields := []zap.Field{
		zap.Error(err),
		zap.String("path", r.URL.Path),
		zap.Int("status", code),
		zap.String("request_id", middleware.GetReqID(r.Context())),
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Info("request rejected", fields...)
	}
	writeJSON(w, code, errorBody{Error: service.PublicMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		h.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()))
	})
}
