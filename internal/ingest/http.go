package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"remindbot/internal/jobstore"
	"remindbot/internal/reminder"
	"remindbot/internal/scheduler"
	logx "remindbot/pkg/logx"
)

const (
	maxListLimit = 500
	// maxBodyBytes caps request bodies on the intake routes.
	maxBodyBytes = 64 << 10
)

type RouterConfig struct {
	// Token, when set, is required as "Authorization: Bearer <token>" on
	// every route except /health.
	Token              string
	CORSAllowedOrigins []string
	Pprof              bool
}

type handler struct {
	svc *Service
	log logx.Logger
}

func NewRouter(cfg RouterConfig, svc *Service, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{svc: svc, log: log}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireToken(cfg.Token))
		r.Use(limitBody(maxBodyBytes))

		r.Post("/add-client", h.addClient)
		r.Route("/reminders", func(r chi.Router) {
			r.Post("/", h.create)
			r.Get("/", h.list)
			r.Get("/{id}", h.get)
			r.Delete("/{id}", h.cancel)
			r.Post("/{id}/resend", h.resend)
		})
		if cfg.Pprof {
			r.Mount("/debug", chimw.Profiler())
		}
	})
	return r
}

func requireToken(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// badBody reports a body that failed to decode, as 413 when it hit the cap.
func badBody(w http.ResponseWriter, err error, msg string) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, msg)
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badBody(w, err, "bad json")
		return
	}
	job, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

type addClientReq struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Date    string `json:"date"`
	Time    string `json:"time"`
	Message string `json:"message"`
}

// addClient accepts the legacy form payload, as JSON or form-encoded.
func (h *handler) addClient(w http.ResponseWriter, r *http.Request) {
	var req addClientReq
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			badBody(w, err, "bad form")
			return
		}
		req = addClientReq{
			Name:    r.PostForm.Get("name"),
			Phone:   r.PostForm.Get("phone"),
			Date:    r.PostForm.Get("date"),
			Time:    r.PostForm.Get("time"),
			Message: r.PostForm.Get("message"),
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badBody(w, err, "bad json")
		return
	}

	job, err := h.svc.Submit(r.Context(), Request{
		Name:      req.Name,
		Recipient: req.Phone,
		Date:      req.Date,
		Time:      req.Time,
		Message:   req.Message,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Saved & Reminder Scheduled!", "id": job.ID})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	var f jobstore.Filter
	if v := strings.TrimSpace(r.URL.Query().Get("status")); v != "" {
		st, err := reminder.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}
	f.Limit = 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = min(n, maxListLimit)
	}
	jobs, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []reminder.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) resend(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Resend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed", logx.String("path", r.URL.Path), logx.String("request_id", chimw.GetReqID(r.Context())), logx.Err(err))
		writeError(w, code, "server error")
		return
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case reminder.IsValidation(err), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, reminder.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reminder.ErrDuplicateID), errors.Is(err, reminder.ErrAlreadyFiring), errors.Is(err, ErrNotTerminal):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
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
