package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Reason names what the bridge refused, read from its error description.
type Reason string

const (
	ReasonUnspecified Reason = ""
	// ReasonMessageGone: the copy was deleted by the reviewer or is too old to edit.
	ReasonMessageGone Reason = "message_gone"
	// ReasonNotModified: the copy already shows the requested content.
	ReasonNotModified Reason = "not_modified"
	// ReasonTargetUnreachable: the reviewer blocked the bot or the chat is gone.
	ReasonTargetUnreachable Reason = "target_unreachable"
	ReasonThrottled         Reason = "throttled"
)

// refusalPhrases maps bridge error descriptions onto reasons. The bot platform
// reports these as plain 400/403 responses, so the status alone is not enough.
var refusalPhrases = []struct {
	phrase string
	reason Reason
}{
	{"message is not modified", ReasonNotModified},
	{"message to edit not found", ReasonMessageGone},
	{"message can't be edited", ReasonMessageGone},
	{"message_id_invalid", ReasonMessageGone},
	{"bot was blocked by the user", ReasonTargetUnreachable},
	{"user is deactivated", ReasonTargetUnreachable},
	{"chat not found", ReasonTargetUnreachable},
	{"too many requests", ReasonThrottled},
}

func classifyRefusal(body string) Reason {
	lowered := strings.ToLower(body)
	for _, candidate := range refusalPhrases {
		if strings.Contains(lowered, candidate.phrase) {
			return candidate.reason
		}
	}
	return ReasonUnspecified
}

// DeliveryError is a failed send, edit, grant or deny call on the bot bridge.
type DeliveryError struct {
	Op         string
	StatusCode int
	Reason     Reason
	Message    string
	Transient  bool
	Cause      error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "call"
	}
	fmt.Fprintf(&b, "bridge %s failed", op)
	if e.Reason != ReasonUnspecified {
		fmt.Fprintf(&b, " [%s]", e.Reason)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": status=%d", e.StatusCode)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ReasonOf returns the bridge refusal reason carried by err, if any.
func ReasonOf(err error) Reason {
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Reason
	}
	return ReasonUnspecified
}

// IsMessageGone reports an edit that can never succeed because the copy no
// longer exists on the reviewer's side.
func IsMessageGone(err error) bool {
	return ReasonOf(err) == ReasonMessageGone
}

// IsTransient reports whether retrying the same call later could succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
