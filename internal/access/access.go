// Package access gates orchestrator entry points behind an authorization
// check. It decides nothing itself; Authorizer implementations do.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

type Action string

const (
	ActionGenerate Action = "model:generate"
	ActionStream   Action = "model:stream"
)

type Decision int

const (
	Deny Decision = iota
	Allow
)

var ErrDenied = errors.New("access denied")

// DeniedError reports a refused call.
type DeniedError struct {
	CallerID string
	Action   Action
	Resource string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s may not %s on %s", e.CallerID, e.Action, e.Resource)
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

type Authorizer interface {
	Authorize(ctx context.Context, caller canonical.Caller, action Action, resource string) (Decision, error)
}

type AuthorizerFunc func(ctx context.Context, caller canonical.Caller, action Action, resource string) (Decision, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, caller canonical.Caller, action Action, resource string) (Decision, error) {
	return f(ctx, caller, action, resource)
}

// AllowAll authorizes every call.
var AllowAll = AuthorizerFunc(func(context.Context, canonical.Caller, Action, string) (Decision, error) {
	return Allow, nil
})

// Check returns nil when authz allows the call, a *DeniedError when it
// denies it, and the authorizer's own error when it could not decide.
func Check(ctx context.Context, authz Authorizer, caller canonical.Caller, action Action, resource string) error {
	d, err := authz.Authorize(ctx, caller, action, resource)
	if err != nil {
		return fmt.Errorf("authorizing %s: %w", action, err)
	}
	if d != Allow {
		return &DeniedError{CallerID: caller.ID, Action: action, Resource: resource}
	}
	return nil
}

// Guard wraps an entry point so it only runs once the call is authorized.
// resource extracts the resource id from the request.
func Guard[Req, Resp any](
	authz Authorizer,
	action Action,
	resource func(Req) string,
	next func(context.Context, canonical.Caller, Req) (Resp, error),
) func(context.Context, canonical.Caller, Req) (Resp, error) {
	return func(ctx context.Context, caller canonical.Caller, req Req) (Resp, error) {
		if err := Check(ctx, authz, caller, action, resource(req)); err != nil {
			var zero Resp
			return zero, err
		}
		return next(ctx, caller, req)
	}
}
