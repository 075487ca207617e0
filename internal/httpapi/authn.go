package httpapi

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"todoapi.org/internal/audit"
	"todoapi.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth verifies the bearer token and stores the caller identity on the
// request context. A missing or malformed header is verified as an empty
// token so that it is logged like any other rejected credential.
func (a *API) withAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := extractBearerToken(r.Header.Get(authHeader))
		caller, err := a.verifier.Verify(r.Context(), token, clientFromRequest(r))
		if err != nil {
			handleError(w, r, err)
			return
		}
		ctx := auth.ContextWithCaller(r.Context(), caller)
		next(w, r.WithContext(ctx))
	})
}

// authorize runs the path-level identity check. It must precede any storage
// access. The resource descriptor is the method and the path as requested.
func (a *API) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		handleError(w, r, auth.ErrCredentialsInvalid)
		return "", false
	}
	target := r.PathValue("user_id")
	resource := r.Method + " " + r.URL.Path
	if err := a.guard.Check(r.Context(), caller, target, resource, clientFromRequest(r)); err != nil {
		handleError(w, r, err)
		return "", false
	}
	return caller, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// clientFromRequest collects logging context. None of it is used for access
// decisions.
func clientFromRequest(r *http.Request) audit.Client {
	return audit.Client{IP: clientIP(r), UserAgent: r.UserAgent()}
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For support (first IP)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
