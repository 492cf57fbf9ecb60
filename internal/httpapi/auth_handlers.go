package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"orgdash.app/internal/audit"
	"orgdash.app/internal/auth"
)

type loginRequest struct {
	auth.LoginInput
	CallbackURL string `json:"callbackUrl,omitempty"`
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

type loginResponse struct {
	Success    bool          `json:"success"`
	RedirectTo string        `json:"redirectTo"`
	Session    *auth.Session `json:"session"`
}

func (a *API) registerAuthRoutes() {
	prefix := strings.TrimSuffix(a.routes.APIAuthPrefix, "/")
	limited := func(h http.HandlerFunc) http.Handler { return RateLimit(h, a.limiter) }

	a.app.Handle(prefix+"/register", limited(a.handleRegister))
	a.app.Handle(prefix+"/login", limited(a.handleLogin))
	a.app.Handle(prefix+"/email-verification", limited(a.handleVerifyEmail))
	a.app.Handle(prefix+"/password-reset", limited(a.handleInitiateReset))
	a.app.Handle(prefix+"/password-reset/complete", limited(a.handleCompleteReset))
	a.app.HandleFunc(prefix+"/logout", a.handleLogout)
	a.app.HandleFunc(prefix+"/session", a.handleSession)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var in auth.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res := a.auth.Register(r.Context(), in)
	a.audit(r, "auth.register", res, map[string]string{"email": in.Email})
	a.writeResult(w, r, res)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	callback := req.CallbackURL
	if callback == "" {
		callback = r.URL.Query().Get("callbackUrl")
	}
	res := a.auth.Login(r.Context(), req.LoginInput, callback)
	a.audit(r, "auth.login", res, map[string]string{"email": req.Email})

	if res.Kind == auth.ResultSuccess && res.Session != nil {
		a.cookie.set(w, res.Token, res.Session.Expires)
		writeJSON(w, http.StatusOK, loginResponse{Success: true, RedirectTo: res.RedirectTo, Session: res.Session})
		return
	}
	a.writeResult(w, r, res)
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifyEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res := a.auth.VerifyEmail(r.Context(), strings.TrimSpace(req.Token))
	a.audit(r, "auth.email_verification", res, nil)
	a.writeResult(w, r, res)
}

func (a *API) handleInitiateReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var in auth.InitiateResetInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res := a.auth.InitiatePasswordReset(r.Context(), in)
	a.audit(r, "auth.password_reset.initiate", res, map[string]string{"email": in.Email})
	a.writeResult(w, r, res)
}

func (a *API) handleCompleteReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var in auth.CompleteResetInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if in.Token == "" {
		in.Token = r.URL.Query().Get("token")
	}
	res := a.auth.CompletePasswordReset(r.Context(), in)
	a.audit(r, "auth.password_reset.complete", res, nil)
	a.writeResult(w, r, res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.cookie.clear(w)
	if err := audit.LogEvent(r.Context(), "auth.logout", nil); err != nil {
		a.log.Warn("audit failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"redirectTo": a.routes.Login})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sess, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// writeResult renders a flow result as {success}, {twoFactor} or {error, fields}.
func (a *API) writeResult(w http.ResponseWriter, r *http.Request, res auth.Result) {
	switch res.Kind {
	case auth.ResultTwoFactor:
		writeJSON(w, http.StatusOK, map[string]any{"twoFactor": true})
	case auth.ResultSuccess:
		writeJSON(w, http.StatusOK, map[string]any{"success": res.Message})
	default:
		payload := map[string]any{"error": res.Message}
		if len(res.Fields) > 0 {
			payload["fields"] = res.Fields
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, statusFor(res.Err), payload)
	}
}

func statusFor(err error) int {
	var verr *auth.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrEmailInUse):
		return http.StatusConflict
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusGone
	case errors.Is(err, auth.ErrTokenNotFound), errors.Is(err, auth.ErrTokenMismatch):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrSamePassword):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) audit(r *http.Request, event string, res auth.Result, fields map[string]string) {
	out := map[string]string{"outcome": string(res.Kind)}
	for k, v := range fields {
		out[k] = v
	}
	if res.Kind == auth.ResultError {
		out["message"] = res.Message
	}
	if err := audit.LogEvent(r.Context(), event, out); err != nil {
		a.log.Warn("audit failed", zap.String("event", event), zap.Error(err))
	}
}
