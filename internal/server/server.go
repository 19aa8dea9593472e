package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"partyrsvp/internal/app"
	"partyrsvp/internal/gate"
	"partyrsvp/internal/ratelimit"
	"partyrsvp/internal/rsvp"
	"partyrsvp/internal/util"
	"partyrsvp/internal/views"
	"partyrsvp/internal/visitor"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                         *app.App
	Visitors                    *visitor.Signer
	CORSOrigins                 []string
	TrustedProxyCIDRs           []string
	RedisAddr                   string
	RedisPassword               string
	RedisPrefix                 string
	GuestbookRateLimitPerMinute int
	StreamHeartbeat             time.Duration
}

// Server exposes the party API.
type Server struct {
	app              *app.App
	visitors         *visitor.Signer
	corsOrigins      []string
	trustedProxies   *util.TrustedProxies
	guestbookLimiter *ratelimit.FixedWindowLimiter
	heartbeat        time.Duration
	mux              *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	if cfg.Visitors == nil {
		return nil, errors.New("server requires visitor signer")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	var limiter *ratelimit.FixedWindowLimiter
	if cfg.GuestbookRateLimitPerMinute > 0 {
		prefix := cfg.RedisPrefix
		if prefix == "" {
			prefix = "party"
		}
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix+":ratelimit:guestbook", cfg.GuestbookRateLimitPerMinute, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init guestbook limiter: %w", err)
		}
	}
	heartbeat := cfg.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	s := &Server{
		app:              cfg.App,
		visitors:         cfg.Visitors,
		corsOrigins:      cfg.CORSOrigins,
		trustedProxies:   trusted,
		guestbookLimiter: limiter,
		heartbeat:        heartbeat,
		mux:              http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	root := http.NewServeMux()
	root.HandleFunc("/healthz", s.handleHealth)
	root.Handle("/api/", s.visitors.Middleware(s.mux))
	return util.Chain(root,
		util.WithRequestID,
		util.WithRequestLog,
		util.WithSecurityHeaders,
		func(next http.Handler) http.Handler { return util.WithCORS(s.corsOrigins, next) },
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/access", s.withVisitor(s.handleAccess))

	s.mux.Handle("/api/party", s.guestOnly(s.handleParty))
	s.mux.Handle("/api/rsvp", s.guestOnly(s.handleRSVP))
	s.mux.Handle("/api/rsvp/lookup", s.guestOnly(s.handleRSVPLookup))
	s.mux.Handle("/api/rsvp/edit", s.guestOnly(s.handleRSVPEdit))
	s.mux.Handle("/api/rsvp/reset", s.guestOnly(s.handleRSVPReset))
	s.mux.Handle("/api/guests", s.guestOnly(s.handleGuests))
	s.mux.Handle("/api/guests/stream", s.guestOnly(s.handleGuestsStream))
	s.mux.Handle("/api/messages", s.guestOnly(s.handleMessages))
	s.mux.Handle("/api/messages/stream", s.guestOnly(s.handleMessagesStream))

	s.mux.HandleFunc("/api/admin/login", s.withVisitor(s.handleAdminLogin))
	s.mux.Handle("/api/admin/summary", s.adminOnly(s.handleAdminSummary))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// visitor wrappers
type visitorHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withVisitor(next visitorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := visitor.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusInternalServerError, "visitor missing")
			return
		}
		next(w, r, id)
	}
}

func (s *Server) guestOnly(next visitorHandler) http.Handler {
	return s.withVisitor(func(w http.ResponseWriter, r *http.Request, id string) {
		if !s.app.Unlocked(id) {
			writeError(w, http.StatusUnauthorized, "access code required")
			return
		}
		next(w, r, id)
	})
}

func (s *Server) adminOnly(next visitorHandler) http.Handler {
	return s.withVisitor(func(w http.ResponseWriter, r *http.Request, id string) {
		if !s.app.AdminUnlocked(id) {
			s.audit(r, "party.admin.authorize", "fail", "visitor_id", id)
			writeError(w, http.StatusUnauthorized, "admin code required")
			return
		}
		next(w, r, id)
	})
}

// gates
func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, accessResponse{Unlocked: s.app.Unlocked(id)})
	case http.MethodPost:
		var req codeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := s.app.SubmitAccessCode(id, req.Code); err != nil {
			s.writeGateError(w, r, "party.access", id, err)
			return
		}
		s.audit(r, "party.access", "success", "visitor_id", id)
		writeJSON(w, http.StatusOK, accessResponse{Unlocked: true})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req codeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.SubmitAdminCode(id, req.Code); err != nil {
		s.writeGateError(w, r, "party.admin.login", id, err)
		return
	}
	s.audit(r, "party.admin.login", "success", "visitor_id", id)
	writeJSON(w, http.StatusOK, accessResponse{Unlocked: true})
}

func (s *Server) writeGateError(w http.ResponseWriter, r *http.Request, event, id string, err error) {
	switch {
	case errors.Is(err, gate.ErrInvalidCode), errors.Is(err, gate.ErrInvalidAdminCode):
		s.audit(r, event, "fail", "visitor_id", id, "reason", "invalid_code")
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		s.audit(r, event, "error", "visitor_id", id, "reason", "persist_failed")
		util.LoggerFromContext(r.Context()).Error("gate persist failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleParty(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Party())
}

// rsvp
func (s *Server) handleRSVP(w http.ResponseWriter, r *http.Request, id string) {
	res := s.app.Resolver(r.Context(), id)
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, res.View())
	case http.MethodPost:
		// an omitted adultCount keeps the form default
		draft := rsvp.NewDraft("")
		if !decodeJSON(w, r, &draft) {
			return
		}
		if _, err := res.Submit(r.Context(), draft); err != nil {
			writeRSVPError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res.View())
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRSVPLookup(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req lookupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res := s.app.Resolver(r.Context(), id)
	if _, err := res.LookupEmail(r.Context(), req.Email); err != nil {
		writeRSVPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res.View())
}

func (s *Server) handleRSVPEdit(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	res := s.app.Resolver(r.Context(), id)
	if _, err := res.Edit(); err != nil {
		writeRSVPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res.View())
}

func (s *Server) handleRSVPReset(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	res := s.app.Resolver(r.Context(), id)
	if _, err := res.Reset(); err != nil {
		writeRSVPError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res.View())
}

func writeRSVPError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *rsvp.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Message, "field": verr.Field})
	case errors.Is(err, rsvp.ErrSubmitting):
		writeError(w, http.StatusConflict, "submission in progress")
	case errors.Is(err, rsvp.ErrWrongPhase):
		writeError(w, http.StatusConflict, "action not available in current step")
	case errors.Is(err, rsvp.ErrWriteFailed):
		writeError(w, http.StatusBadGateway, rsvp.ErrWriteFailed.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("rsvp request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// guest list and guestbook
func (s *Server) handleGuests(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.app.GuestList())
}

func (s *Server) handleGuestsStream(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	serveStream(w, r, s.heartbeat, s.app.WatchGuestList)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.app.Guestbook())
	case http.MethodPost:
		if !s.allowRate(w, r, "too many messages, please wait a moment") {
			s.audit(r, "party.guestbook.post", "rate_limited", "visitor_id", id)
			return
		}
		var draft views.PostDraft
		if !decodeJSON(w, r, &draft) {
			return
		}
		msgID, err := s.app.PostMessage(r.Context(), &draft)
		switch {
		case errors.Is(err, views.ErrEmptyPost):
			writeError(w, http.StatusBadRequest, err.Error())
		case err != nil:
			writeJSON(w, http.StatusBadGateway, postResponse{Error: "Could not post your message. Please try again.", Draft: draft})
		default:
			writeJSON(w, http.StatusCreated, postResponse{ID: msgID, Draft: draft})
		}
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleMessagesStream(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	serveStream(w, r, s.heartbeat, s.app.WatchGuestbook)
}

// admin
func (s *Server) handleAdminSummary(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	summary, err := s.app.AdminSummary(r.Context())
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("admin summary failed", "err", err)
		writeError(w, http.StatusBadGateway, "summary unavailable")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type codeRequest struct {
	Code string `json:"code"`
}

type accessResponse struct {
	Unlocked bool `json:"unlocked"`
}

type lookupRequest struct {
	Email string `json:"email"`
}

type postResponse struct {
	ID    string          `json:"id,omitempty"`
	Error string          `json:"error,omitempty"`
	Draft views.PostDraft `json:"draft"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.trustedProxies.ClientIP(r),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

// allowRate applies the guestbook limiter; without one every post passes.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, msg string) bool {
	if s.guestbookLimiter == nil {
		return true
	}
	key := s.trustedProxies.RateKey(r, r.URL.Path)
	if s.guestbookLimiter.Allow(r.Context(), key) {
		return true
	}
	retry := int(s.guestbookLimiter.RetryAfter().Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
