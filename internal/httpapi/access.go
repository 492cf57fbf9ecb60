package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"orgdash.app/internal/auth"
)

// Routes are the route tables the access middleware works from.
type Routes struct {
	Public          []string
	Auth            []string
	APIAuthPrefix   string
	DefaultRedirect string
	Login           string
}

// DefaultRoutes returns the built-in route tables.
func DefaultRoutes() Routes {
	return Routes{
		Public: []string{"/", "/email-verification"},
		Auth: []string{
			"/login",
			"/registration",
			"/error",
			"/initiate-password-reset",
			"/complete-password-reset",
		},
		APIAuthPrefix:   "/api/auth",
		DefaultRedirect: "/organisations",
		Login:           "/login",
	}
}

// Decision is the outcome of an access check. A zero Decision lets the request through.
type Decision struct {
	Redirect bool
	Location string
}

func (rt Routes) isPublic(path string) bool { return contains(rt.Public, path) }
func (rt Routes) isAuth(path string) bool   { return contains(rt.Auth, path) }

func (rt Routes) isAPIAuth(path string) bool {
	p := strings.TrimSuffix(rt.APIAuthPrefix, "/")
	return p != "" && (path == p || strings.HasPrefix(path, p+"/"))
}

func contains(list []string, path string) bool {
	for _, p := range list {
		if p == path {
			return true
		}
	}
	return false
}

// Decide applies the access rules to u. It depends only on the path, the query
// and whether a session is present.
func (rt Routes) Decide(u *url.URL, hasSession bool) Decision {
	path := u.Path
	if path == "" {
		path = "/"
	}
	if rt.isAPIAuth(path) {
		return Decision{}
	}
	if rt.isAuth(path) {
		if hasSession {
			return Decision{Redirect: true, Location: rt.DefaultRedirect}
		}
		return Decision{}
	}
	if !hasSession && !rt.isPublic(path) {
		callback := u.EscapedPath()
		if callback == "" {
			callback = "/"
		}
		if u.RawQuery != "" {
			callback += "?" + u.RawQuery
		}
		return Decision{Redirect: true, Location: rt.Login + "?callbackUrl=" + encodeURIComponent(callback)}
	}
	return Decision{}
}

// encodeURIComponent escapes every byte except A-Z a-z 0-9 and -_.!~*'(),
// matching the browser function of the same name.
func encodeURIComponent(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
			b.WriteByte(c)
		case strings.IndexByte("-_.!~*'()", c) >= 0:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
}

func (c CookieConfig) set(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c CookieConfig) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// withAccess resolves the session cookie, refreshes it and applies the route rules.
// A session flagged with a password change is treated as absent.
func (a *API) withAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := a.resolveSession(w, r)
		if sess != nil {
			r = r.WithContext(auth.ContextWithSession(r.Context(), sess))
		}
		if d := a.routes.Decide(r.URL, sess != nil); d.Redirect {
			http.Redirect(w, r, d.Location, http.StatusTemporaryRedirect)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) resolveSession(w http.ResponseWriter, r *http.Request) *auth.Session {
	c, err := r.Cookie(a.cookie.Name)
	if err != nil || c.Value == "" {
		return nil
	}
	sess, token, err := a.auth.Sessions().Resolve(r.Context(), c.Value)
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		a.cookie.clear(w)
		return nil
	case err != nil:
		a.log.Warn("session refresh failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
		return nil
	}
	if sess.User.HasPasswordChanged {
		a.cookie.clear(w)
		return nil
	}
	a.cookie.set(w, token, sess.Expires)
	return sess
}
