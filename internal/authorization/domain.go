package authorization

import (
	"context"
	"errors"
)

const (
	ObjectSubscription = "subscription"
	ObjectAuditLog     = "audit_log"
)

const (
	ActionSubscriptionRecover = "subscription.recover"
	ActionAuditLogView        = "audit_log.view"
)

const (
	RoleAdmin   = "admin"
	RoleSupport = "support"
)

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)

// Actor is an operator identified by the gateway with the role it asserted.
type Actor struct {
	ID   string
	Role string
}

type Service interface {
	Authorize(ctx context.Context, actor Actor, object string, action string) error
}
