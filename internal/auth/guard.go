package auth

import (
	"context"

	"todoapi.org/internal/audit"
)

// Guard enforces that callers only touch their own data.
type Guard struct {
	events EventLogger
}

// NewGuard returns a Guard that logs denials to events.
func NewGuard(events EventLogger) *Guard {
	return &Guard{events: events}
}

// Check compares the verified caller with the identity named by the request
// path. A mismatch is logged with the resource descriptor supplied by the
// handler and returns ErrAccessForbidden; matches are not logged.
func (g *Guard) Check(ctx context.Context, caller, target, resource string, client audit.Client) error {
	if caller == target {
		return nil
	}
	if g != nil && g.events != nil {
		g.events.Denied(ctx, caller, resource, client)
	}
	return ErrAccessForbidden
}

// CheckOwner compares the caller with a stored record's owner. It is a data
// integrity check and does not write to the security log.
func (g *Guard) CheckOwner(caller, owner string) error {
	if caller != owner {
		return ErrAccessForbidden
	}
	return nil
}
