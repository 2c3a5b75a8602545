package provider

import (
	"context"

	"github.com/kursadbilgin/approval-relay/internal/domain"
)

// Messenger is the outbound notification transport port.
type Messenger interface {
	// Send delivers content to a target and returns a handle that can later edit that copy.
	Send(ctx context.Context, target int64, content domain.Content) (string, error)
	Update(ctx context.Context, handle string, content domain.Content) error
}

// Gatekeeper performs the privileged grant/deny call for a subject.
type Gatekeeper interface {
	Grant(ctx context.Context, subjectID int64) error
	Deny(ctx context.Context, subjectID int64) error
}
