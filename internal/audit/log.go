// Package audit writes security events (authentication and authorization
// outcomes) as one JSON object per line to the process log sink.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"todoapi.org/internal/obs"
)

// EventType names a security event.
type EventType string

const (
	EventLoginSuccess        EventType = "AUTH_LOGIN_SUCCESS"
	EventLoginFailure        EventType = "AUTH_LOGIN_FAILURE"
	EventTokenRefresh        EventType = "AUTH_TOKEN_REFRESH"
	EventTokenRefreshFailure EventType = "AUTH_TOKEN_REFRESH_FAILURE"
	EventLogout              EventType = "AUTH_LOGOUT"
	EventDenied              EventType = "AUTH_DENIED"
)

const (
	maskedOctet        = "xxx"
	maxUserAgentLength = 100
	ellipsis           = "..."
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id if one was attached.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Client carries the caller's network context. Both fields are used for
// logging only, never for decisions.
type Client struct {
	IP        string
	UserAgent string
}

// Event is a single security record. It is built once and never modified.
type Event struct {
	Timestamp string         `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	UserID    *string        `json:"user_id"`
	IPAddress *string        `json:"ip_address"`
	UserAgent *string        `json:"user_agent"`
	Details   map[string]any `json:"details"`
}

// Logger emits security events. The zero value is not usable; call NewLogger.
type Logger struct {
	out *log.Logger
	now func() time.Time
}

// NewLogger returns a Logger writing to out, or to the shared process logger
// when out is nil.
func NewLogger(out *log.Logger) *Logger {
	if out == nil {
		out = obs.Logger()
	}
	return &Logger{out: out, now: time.Now}
}

// NewEvent builds the record for one security event with masking and
// truncation applied.
func NewEvent(at time.Time, eventType EventType, subject string, client Client, details map[string]any) Event {
	copied := make(map[string]any, len(details))
	for k, v := range details {
		copied[k] = v
	}
	return Event{
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		UserID:    optional(subject),
		IPAddress: optional(MaskIP(client.IP)),
		UserAgent: optional(TruncateUserAgent(client.UserAgent)),
		Details:   copied,
	}
}

// Log writes one event. It never fails observably: a record that cannot be
// encoded is replaced by a fixed error line.
func (l *Logger) Log(ctx context.Context, eventType EventType, subject string, client Client, details map[string]any) {
	if l == nil {
		return
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		if _, ok := details["request_id"]; !ok {
			details = withField(details, "request_id", rid)
		}
	}
	event := NewEvent(l.now(), eventType, subject, client, details)
	data, err := json.Marshal(event)
	if err != nil {
		l.out.Println(`{"event_type":"` + string(eventType) + `","details":{"error":"event marshal failed"}}`)
		return
	}
	l.out.Println(string(data))
	obs.ObserveSecurityEvent(string(eventType))
}

// LoginSuccess records a successful sign-in.
func (l *Logger) LoginSuccess(ctx context.Context, subject string, client Client) {
	l.Log(ctx, EventLoginSuccess, subject, client, nil)
}

// LoginFailure records a rejected credential. emailHash may be empty.
func (l *Logger) LoginFailure(ctx context.Context, reason, emailHash string, client Client) {
	details := map[string]any{"reason": reason, "email_hash": nil}
	if emailHash != "" {
		details["email_hash"] = emailHash
	}
	l.Log(ctx, EventLoginFailure, "", client, details)
}

// TokenRefresh records a successful token refresh.
func (l *Logger) TokenRefresh(ctx context.Context, subject string, client Client) {
	l.Log(ctx, EventTokenRefresh, subject, client, nil)
}

// TokenRefreshFailure records a failed refresh; subject may be empty.
func (l *Logger) TokenRefreshFailure(ctx context.Context, reason, subject string, client Client) {
	l.Log(ctx, EventTokenRefreshFailure, subject, client, map[string]any{"reason": reason})
}

// Logout records a sign-out.
func (l *Logger) Logout(ctx context.Context, subject string, client Client) {
	l.Log(ctx, EventLogout, subject, client, nil)
}

// Denied records an authorization refusal for resource.
func (l *Logger) Denied(ctx context.Context, subject, resource string, client Client) {
	l.Log(ctx, EventDenied, subject, client, map[string]any{"resource": resource})
}

// MaskIP replaces the last octet of a dotted-quad address. Anything else,
// IPv6 included, is returned unchanged.
func MaskIP(ip string) string {
	if ip == "" {
		return ""
	}
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ip
	}
	parts[3] = maskedOctet
	return strings.Join(parts, ".")
}

// TruncateUserAgent caps the agent string at 100 characters plus an ellipsis.
func TruncateUserAgent(ua string) string {
	runes := []rune(ua)
	if len(runes) <= maxUserAgentLength {
		return ua
	}
	return string(runes[:maxUserAgentLength]) + ellipsis
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func withField(details map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out[key] = value
	return out
}
