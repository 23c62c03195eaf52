package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"sophiasocial/internal/ratelimit"
	"sophiasocial/internal/util"
	"sophiasocial/pkg/auth"
	"sophiasocial/pkg/club"
	"sophiasocial/pkg/crud"
	"sophiasocial/pkg/domain"
	"sophiasocial/pkg/filter"
	"sophiasocial/pkg/record"
	"sophiasocial/pkg/session"
	"sophiasocial/pkg/store"
	"sophiasocial/services/api/internal/app"
	"sophiasocial/services/api/internal/security"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                     *app.App
	RedisAddr               string
	RedisPassword           string
	LoginRateLimitPerMinute int
	TrustedProxies          *util.TrustedProxies
}

// Server exposes the record and club endpoints.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	loginLimiter   ratelimit.Limiter
	alerter        *security.AuditAlerter
	trustedProxies *util.TrustedProxies
}

// New constructs the server with routes configured. Login attempts are
// limited through Redis when an address is configured and in-process otherwise.
func New(cfg Config) (*Server, error) {
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	var limiter ratelimit.Limiter
	var err error
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "sophia:api:ratelimit:login", loginLimit, time.Minute)
	} else {
		limiter, err = ratelimit.NewMemoryLimiter(loginLimit, time.Minute)
	}
	if err != nil {
		return nil, fmt.Errorf("init login limiter: %w", err)
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		loginLimiter:   limiter,
		alerter:        security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, ""),
		trustedProxies: cfg.TrustedProxies,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("api", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

// Close releases the rate limiter and alert counters.
func (s *Server) Close() error {
	return errors.Join(s.loginLimiter.Close(), s.alerter.Close())
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// records
	s.mux.HandleFunc("POST /api/create/{entity}", s.handleCreate)
	s.mux.HandleFunc("GET /api/read/{entity}", s.handleRead)
	s.mux.HandleFunc("POST /api/read/{entity}", s.handleReadBody)
	s.mux.HandleFunc("GET /api/read/{entity}/{id}", s.handleGet)
	s.mux.HandleFunc("GET /api/filter/{entity}", s.handleRead)
	s.mux.HandleFunc("PUT /api/update/{entity}/{id}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /api/delete/{entity}/{id}", s.handleDelete)
	s.mux.HandleFunc("GET /api/count/{entity}", s.handleCount)

	// clubs
	s.mux.Handle("POST /api/create/clubs", s.authenticated(s.handleCreateClub))
	s.mux.Handle("PUT /api/join/clubs/{id}", s.authenticated(s.handleJoin))
	s.mux.Handle("PUT /api/leave/clubs/{id}", s.authenticated(s.handleLeave))
	s.mux.Handle("DELETE /api/delete/clubs/{clubId}/{userId}", s.authenticated(s.handleDeleteClub))

	// sessions
	s.mux.HandleFunc("POST /api/login/users", s.handleLogin)
	s.mux.HandleFunc("POST /api/logout/users", s.handleLogout)
	s.mux.Handle("POST /api/validate/users", s.authenticated(s.handleValidate))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrapper
type authHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authorize(w, r)
		if !ok {
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	userID, err := s.app.UserIDFromToken(r.Context(), token)
	if err != nil {
		s.audit(r, security.EventAuthorize, security.OutcomeFailure, "err", err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

// record handlers
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.app.Create(r.Context(), r.PathValue("entity"), body)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	s.writeList(w, r, filter.FromQuery(r.URL.Query()))
}

func (s *Server) handleReadBody(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeList(w, r, filter.FromBody(body))
}

func (s *Server) writeList(w http.ResponseWriter, r *http.Request, p filter.Predicates) {
	items, err := s.app.Read(r.Context(), r.PathValue("entity"), p)
	if err != nil && !errors.Is(err, filter.ErrNoMatch) {
		s.writeAppError(w, r, err)
		return
	}
	if items == nil {
		items = []record.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.app.Get(r.Context(), r.PathValue("entity"), r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	entity, id := r.PathValue("entity"), r.PathValue("id")
	if !s.allowSelf(w, r, entity, id) {
		return
	}
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.app.Update(r.Context(), entity, id, store.Patch(body))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	entity, id := r.PathValue("entity"), r.PathValue("id")
	if !s.allowSelf(w, r, entity, id) {
		return
	}
	removed, err := s.app.Delete(r.Context(), entity, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": removed})
}

// allowSelf requires the caller to own the user record being changed.
func (s *Server) allowSelf(w http.ResponseWriter, r *http.Request, entity, id string) bool {
	if e, ok := domain.ParseEntity(entity); !ok || e != domain.EntityUsers {
		return true
	}
	userID, ok := s.authorize(w, r)
	if !ok {
		return false
	}
	if userID != id {
		s.writeAppError(w, r, app.ErrNotOwner)
		return false
	}
	return true
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.app.Count(r.Context(), r.PathValue("entity"))
	if errors.Is(err, store.ErrCollectionNotFound) {
		n, err = 0, nil
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// club handlers
func (s *Server) handleCreateClub(w http.ResponseWriter, r *http.Request, userID string) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.sameUser(w, r, body, userID) {
		return
	}
	delete(body, "userId")
	res, err := s.app.CreateClub(r.Context(), body, userID)
	s.writeClubResult(w, r, http.StatusCreated, res, err)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, userID string) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.sameUser(w, r, body, userID) {
		return
	}
	res, err := s.app.Coordinator().Join(r.Context(), r.PathValue("id"), userID)
	s.writeClubResult(w, r, http.StatusOK, res, err)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request, userID string) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.sameUser(w, r, body, userID) {
		return
	}
	res, err := s.app.Coordinator().Leave(r.Context(), r.PathValue("id"), userID)
	s.writeClubResult(w, r, http.StatusOK, res, err)
}

func (s *Server) handleDeleteClub(w http.ResponseWriter, r *http.Request, userID string) {
	if r.PathValue("userId") != userID {
		s.writeAppError(w, r, app.ErrNotOwner)
		return
	}
	res, err := s.app.Coordinator().Delete(r.Context(), r.PathValue("clubId"), userID)
	s.writeClubResult(w, r, http.StatusOK, res, err)
}

// sameUser rejects a body naming a different user than the token subject.
func (s *Server) sameUser(w http.ResponseWriter, r *http.Request, body map[string]any, userID string) bool {
	raw, ok := body["userId"]
	if !ok {
		return true
	}
	if named, _ := raw.(string); named != userID {
		s.writeAppError(w, r, app.ErrNotOwner)
		return false
	}
	return true
}

func (s *Server) writeClubResult(w http.ResponseWriter, r *http.Request, status int, res club.Result, err error) {
	if errors.Is(err, club.ErrNotAuthorized) {
		s.audit(r, security.EventClubAdmin, security.OutcomeFailure, "club_id", r.PathValue("clubId"))
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, status, clubResponse{Outcome: res.Outcome.String(), Club: res.Club})
}

// session handlers
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r) {
		return
	}
	var req credentialsRequest
	if err := decodeInto(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, security.EventLogin, security.OutcomeFailure, "email", req.Email)
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, security.EventLogin, security.OutcomeSuccess, "user_id", user.ID)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, userID string) {
	var req credentialsRequest
	if err := decodeInto(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := s.app.Validate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if user.ID != userID {
		s.writeAppError(w, r, app.ErrNotOwner)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if s.loginLimiter.Allow(r.Context(), key) {
		return true
	}
	s.audit(r, security.EventLogin, security.OutcomeRateLimited)
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many login attempts")
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trustedProxies)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == security.OutcomeSuccess {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
	alert, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert counter failed", "event", event, "err", err)
		return
	}
	if alert.Triggered {
		logger.Error("security_alert", "event", event, "outcome", outcome, "ip", ip, "count", alert.Count, "threshold", alert.Threshold, "window", alert.Window.String())
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string        `json:"token"`
	User  record.Record `json:"user"`
}

type clubResponse struct {
	Outcome string        `json:"outcome"`
	Club    record.Record `json:"club"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// decodeBody reads a JSON object or an urlencoded form. Repeated form keys
// become arrays.
func decodeBody(r *http.Request) (map[string]any, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		r.Body = io.NopCloser(io.LimitReader(r.Body, maxBodyBytes))
		if err := r.ParseForm(); err != nil {
			return nil, errors.New("invalid form body")
		}
		out := make(map[string]any, len(r.PostForm))
		for k, vals := range r.PostForm {
			if len(vals) == 1 {
				out[k] = vals[0]
				continue
			}
			list := make([]any, len(vals))
			for i, v := range vals {
				list[i] = v
			}
			out[k] = list
		}
		return out, nil
	}
	out := map[string]any{}
	if err := decodeInto(r, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func decodeInto(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errors.New("invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForStatus(status),
		RequestID: w.Header().Get(util.RequestIDHeader),
	})
}

// writeAppError maps domain errors to a status and stable code. Server-side
// failures are logged and reported without detail.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	msg := err.Error()
	logger := util.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", r.URL.Path, "code", code, "err", err)
		msg = "internal error"
		if code == "CLUB_PARTIAL_CONSISTENCY" {
			msg = "club updated but user references could not be updated; repair is pending"
		}
	} else {
		logger.Debug("request rejected", "path", r.URL.Path, "code", code, "err", err)
	}
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: w.Header().Get(util.RequestIDHeader),
	})
}

var errorClasses = []struct {
	err    error
	status int
	code   string
}{
	{club.ErrPartialConsistency, http.StatusInternalServerError, "CLUB_PARTIAL_CONSISTENCY"},
	{app.ErrUnknownEntity, http.StatusNotFound, "ENTITY_UNKNOWN"},
	{store.ErrNotFound, http.StatusNotFound, "RECORD_NOT_FOUND"},
	{store.ErrCollectionNotFound, http.StatusNotFound, "COLLECTION_NOT_FOUND"},
	{store.ErrDuplicateID, http.StatusConflict, "RECORD_DUPLICATE_ID"},
	{app.ErrEmailAlreadyExists, http.StatusConflict, "USER_EMAIL_EXISTS"},
	{club.ErrLastAdmin, http.StatusConflict, "CLUB_LAST_ADMIN"},
	{club.ErrNotAuthorized, http.StatusUnauthorized, "CLUB_NOT_ADMIN"},
	{app.ErrNotOwner, http.StatusUnauthorized, "AUTH_NOT_OWNER"},
	{app.ErrInvalidCredentials, http.StatusUnauthorized, "AUTH_INVALID_CREDENTIALS"},
	{club.ErrInvalidID, http.StatusBadRequest, "INVALID_ID"},
	{store.ErrInvalidPatch, http.StatusBadRequest, "INVALID_PATCH"},
	{store.ErrImmutableID, http.StatusBadRequest, "INVALID_PATCH"},
	{store.ErrNotArray, http.StatusBadRequest, "INVALID_PATCH"},
	{crud.ErrProtectedField, http.StatusBadRequest, "FIELD_PROTECTED"},
	{crud.ErrInvalidBody, http.StatusBadRequest, "INVALID_REQUEST"},
	{app.ErrEmailAndPasswordRequired, http.StatusBadRequest, "INVALID_REQUEST"},
	{app.ErrPasswordPatch, http.StatusBadRequest, "INVALID_PATCH"},
	{app.ErrClubRouteRequired, http.StatusBadRequest, "CLUB_ROUTE_REQUIRED"},
	{auth.ErrPasswordTooShort, http.StatusBadRequest, "USER_WEAK_PASSWORD"},
	{auth.ErrPasswordWeak, http.StatusBadRequest, "USER_WEAK_PASSWORD"},
	{session.ErrInvalidToken, http.StatusUnauthorized, "AUTH_INVALID_TOKEN"},
	{session.ErrTokenRevoked, http.StatusUnauthorized, "AUTH_INVALID_TOKEN"},
	{store.ErrCorrupt, http.StatusInternalServerError, "STORE_CORRUPT"},
}

func classifyError(err error) (int, string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR"
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
