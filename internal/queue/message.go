package queue

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kursadbilgin/approval-relay/internal/domain"
)

// EventKind identifies which intake flow an event feeds.
type EventKind string

const (
	EventJoinRequest EventKind = "join_request"
	EventDecision    EventKind = "decision"
	EventMembership  EventKind = "membership"
)

func (k EventKind) IsValid() bool {
	switch k {
	case EventJoinRequest, EventDecision, EventMembership:
		return true
	}
	return false
}

// EventMessage is the broker payload for transport events.
type EventMessage struct {
	EventID       string                `json:"eventId"`
	CorrelationID string                `json:"correlationId,omitempty"`
	Kind          EventKind             `json:"kind"`
	Subject       *domain.Subject       `json:"subject,omitempty"`
	Token         string                `json:"token,omitempty"`
	ResolverID    int64                 `json:"resolverId,omitempty"`
	Membership    domain.MembershipKind `json:"membership,omitempty"`
}

func NewJoinRequestEvent(subject domain.Subject, correlationID string) EventMessage {
	return EventMessage{
		EventID:       uuid.NewString(),
		CorrelationID: correlationID,
		Kind:          EventJoinRequest,
		Subject:       &subject,
	}
}

func NewDecisionEvent(token string, resolverID int64, correlationID string) EventMessage {
	return EventMessage{
		EventID:       uuid.NewString(),
		CorrelationID: correlationID,
		Kind:          EventDecision,
		Token:         token,
		ResolverID:    resolverID,
	}
}

func NewMembershipEvent(kind domain.MembershipKind, subject domain.Subject, correlationID string) EventMessage {
	return EventMessage{
		EventID:       uuid.NewString(),
		CorrelationID: correlationID,
		Kind:          EventMembership,
		Subject:       &subject,
		Membership:    kind,
	}
}

// Validate checks the envelope shape only; decision tokens are parsed by the resolver path.
func (m EventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if !m.Kind.IsValid() {
		return fmt.Errorf("invalid event kind %q", m.Kind)
	}

	switch m.Kind {
	case EventJoinRequest:
		if m.Subject == nil || m.Subject.ID == 0 {
			return fmt.Errorf("subject is required")
		}
	case EventDecision:
		if m.Token == "" {
			return fmt.Errorf("token is required")
		}
		if m.ResolverID == 0 {
			return fmt.Errorf("resolverId is required")
		}
	case EventMembership:
		if m.Subject == nil || m.Subject.ID == 0 {
			return fmt.Errorf("subject is required")
		}
		if !m.Membership.IsValid() {
			return fmt.Errorf("invalid membership %q", m.Membership)
		}
	}
	return nil
}
