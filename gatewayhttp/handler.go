package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/wa-gateway-go/auth"
	"github.com/ggoodman/wa-gateway-go/internal/logctx"
	"github.com/ggoodman/wa-gateway-go/internal/wellknown"
	"github.com/ggoodman/wa-gateway-go/sessions"
	"github.com/google/uuid"
)

// Banner is the body served on GET /.
const Banner = "WA Gateway online. Use /health e /session/*"

const (
	secretHeader        = "X-Wa-Secret"
	userIDHeader        = "X-User-Id"
	requestIDHeader     = "X-Request-Id"
	authorizationHeader = "Authorization"

	maxBodyBytes = 1 << 20
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// SessionController is the lifecycle surface the handler drives.
// *sessions.Controller implements it.
type SessionController interface {
	StartSession(ctx context.Context, userID string) (*sessions.StartResult, error)
	Status(userID string) sessions.Status
	Logout(ctx context.Context, userID string)
}

// Authenticator checks request credentials. *auth.Authenticator implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, creds auth.Credentials) (*auth.Principal, error)
}

// TokenIssuer mints per-user bearer tokens.
type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithTokenIssuer enables POST /session/token.
func WithTokenIssuer(ti TokenIssuer) Option {
	return func(h *Handler) { h.tokens = ti }
}

// WithProtectedResource serves doc at its well-known path and points 401
// challenges at metaURL.
func WithProtectedResource(doc wellknown.ProtectedResourceMetadata, metaURL string) Option {
	return func(h *Handler) {
		h.prm = &doc
		h.prmURL = metaURL
	}
}

// Handler serves the gateway API.
type Handler struct {
	log    *slog.Logger
	ctrl   SessionController
	authn  Authenticator
	tokens TokenIssuer
	prm    *wellknown.ProtectedResourceMetadata
	prmURL string
	now    func() time.Time
	mux    *http.ServeMux
}

// envelope is the JSON body of every API response.
type envelope struct {
	OK        bool   `json:"ok"`
	Status    string `json:"status,omitempty"`
	DataURL   string `json:"dataUrl,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Message   string `json:"message,omitempty"`
	Token     string `json:"token,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	TS        int64  `json:"ts,omitempty"`
}

type userBody struct {
	UserID string `json:"userId"`
}

// New builds a Handler. ctrl and authn are required.
func New(ctrl SessionController, authn Authenticator, opts ...Option) (*Handler, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("session controller is required")
	}
	if authn == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	h := &Handler{ctrl: ctrl, authn: authn, now: time.Now, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /session/start", h.protect(h.handleStart))
	mux.HandleFunc("GET /session/status", h.protect(h.handleStatus))
	mux.HandleFunc("POST /session/logout", h.protect(h.handleLogout))
	if h.tokens != nil {
		mux.HandleFunc("POST /session/token", h.protect(h.handleToken))
	}
	mux.HandleFunc("OPTIONS /session/", h.handlePreflight)
	if h.prm != nil {
		mux.HandleFunc("GET "+wellknown.ProtectedResourcePath, h.handleProtectedResource)
	}
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rd := &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set(requestIDHeader, rd.RequestID)
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), rd)))
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, Banner)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{OK: true, TS: h.now().UnixMilli()})
}

func (h *Handler) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(h.prm)
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Wa-Secret, X-User-Id")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// protectedHandler is a route that runs after authentication.
type protectedHandler func(w http.ResponseWriter, r *http.Request, p *auth.Principal)

// protect authenticates the request before next runs.
func (h *Handler) protect(next protectedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p, err := h.authn.Authenticate(ctx, credentialsFrom(r))
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) {
				h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			} else {
				h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
			}
			code := ""
			if credentialsFrom(r).BearerToken != "" {
				code = "invalid_token"
			}
			h.unauthorized(w, code)
			return
		}
		h.log.DebugContext(ctx, "auth.ok", slog.String("method", string(p.Method)))
		next(w, r, p)
	}
}

func credentialsFrom(r *http.Request) auth.Credentials {
	creds := auth.Credentials{Secret: r.Header.Get(secretHeader)}
	const bearerPrefix = "Bearer "
	if v := r.Header.Get(authorizationHeader); len(v) > len(bearerPrefix) && strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		creds.BearerToken = strings.TrimSpace(v[len(bearerPrefix):])
	}
	return creds
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.start.begin")

	userID, ok := h.resolveUser(w, r, p)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{UserID: userID})

	res, err := h.ctrl.StartSession(ctx, userID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	body := envelope{OK: true, Status: string(res.Outcome)}
	switch res.Outcome {
	case sessions.OutcomePairingCode:
		body.DataURL = res.DataURL
	case sessions.OutcomeConnected:
		body.Phone = res.Phone
	}
	writeJSON(w, http.StatusOK, body)
	h.log.InfoContext(ctx, "http.start.ok", slog.String("status", body.Status), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	userID, ok := h.resolveUser(w, r, p)
	if !ok {
		return
	}
	st := h.ctrl.Status(userID)
	if st.Connected {
		writeJSON(w, http.StatusOK, envelope{OK: true, Status: "connected", Phone: st.Phone})
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Status: "disconnected"})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	ctx := r.Context()
	userID, ok := h.resolveUser(w, r, p)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{UserID: userID})
	h.ctrl.Logout(ctx, userID)
	writeJSON(w, http.StatusOK, envelope{OK: true})
	h.log.InfoContext(ctx, "http.logout.ok")
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	ctx := r.Context()
	if p.Bound() {
		// Tokens cannot mint tokens.
		h.log.InfoContext(ctx, "http.token.denied")
		h.unauthorized(w, "")
		return
	}
	userID, ok := h.resolveUser(w, r, p)
	if !ok {
		return
	}
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "missing userId"})
		return
	}
	tok, exp, err := h.tokens.Issue(userID)
	if err != nil {
		h.log.ErrorContext(ctx, "http.token.fail", slog.String("err", err.Error()))
		writeJSON(w, http.StatusInternalServerError, envelope{Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Token: tok, ExpiresAt: exp.UnixMilli()})
}

// resolveUser finds the target user id. It writes the reply and returns false
// when the request cannot proceed. An empty id with true is left for the
// controller to judge.
func (h *Handler) resolveUser(w http.ResponseWriter, r *http.Request, p *auth.Principal) (string, bool) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		var err error
		if userID, err = userIDFromRequest(r); err != nil {
			h.log.WarnContext(r.Context(), "json.decode.fail", slog.String("err", err.Error()))
			writeJSON(w, http.StatusBadRequest, envelope{Message: "invalid JSON body"})
			return "", false
		}
	}
	if p.Bound() {
		if userID == "" {
			userID = p.UserID
		}
		if userID != p.UserID {
			h.log.InfoContext(r.Context(), "auth.user_mismatch")
			h.unauthorized(w, "")
			return "", false
		}
	}
	return userID, true
}

// userIDFromRequest reads userId from the query string for GET and from a
// JSON body otherwise. Bodies that are not JSON are ignored.
func userIDFromRequest(r *http.Request) (string, error) {
	if r.Method == http.MethodGet {
		return r.URL.Query().Get("userId"), nil
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		return "", nil
	}
	var body userBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", err
	}
	return body.UserID, nil
}

// writeError maps a StartSession failure to its reply.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessions.ErrValidation):
		h.log.InfoContext(ctx, "http.start.invalid", slog.String("err", err.Error()))
		writeJSON(w, http.StatusBadRequest, envelope{Message: err.Error()})
	case errors.Is(err, sessions.ErrTimeout):
		h.log.WarnContext(ctx, "http.start.timeout")
		writeJSON(w, http.StatusGatewayTimeout, envelope{Message: sessions.ErrTimeout.Error()})
	case errors.Is(err, sessions.ErrConnectionClosed):
		h.log.WarnContext(ctx, "http.start.closed", slog.String("err", err.Error()))
		writeJSON(w, http.StatusInternalServerError, envelope{Status: string(sessions.OutcomeClosed), Message: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The caller is gone or its deadline passed; nobody reads this.
		h.log.InfoContext(ctx, "http.start.cancelled")
		writeJSON(w, http.StatusInternalServerError, envelope{Message: "request cancelled"})
	default:
		h.log.ErrorContext(ctx, "http.start.fail", slog.String("err", err.Error()))
		writeJSON(w, http.StatusInternalServerError, envelope{Message: err.Error()})
	}
}

// unauthorized replies 401. When a protected resource document is served the
// reply carries a Bearer challenge pointing at it.
func (h *Handler) unauthorized(w http.ResponseWriter, errCode string) {
	if h.prm != nil {
		w.Header().Set("WWW-Authenticate", wellknown.BearerChallenge("", h.prmURL, errCode))
	}
	writeJSON(w, http.StatusUnauthorized, envelope{Message: "unauthorized"})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
