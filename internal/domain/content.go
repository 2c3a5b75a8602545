package domain

import (
	"fmt"
	"strings"
)

// Action is a choice affordance attached to a prompt.
type Action struct {
	Label string `json:"label"`
	Token string `json:"token"`
}

// Content is the opaque text plus optional actions handed to the messenger.
type Content struct {
	Text    string   `json:"text"`
	Actions []Action `json:"actions,omitempty"`
}

// PromptContent builds the decision prompt broadcast to reviewers.
func PromptContent(subject Subject) Content {
	return Content{
		Text: "New access request\n" + SubjectLine(subject) + "\n\nYour decision?",
		Actions: []Action{
			{Label: "Approve", Token: DecisionToken(OutcomeApprove, subject.ID)},
			{Label: "Decline", Token: DecisionToken(OutcomeDecline, subject.ID)},
		},
	}
}

// OutcomeContent is the text every fanned-out copy is rewritten to once resolved.
func OutcomeContent(status Status, resolverName string) Content {
	var headline string
	switch status {
	case StatusApproved:
		headline = "Request approved."
	case StatusDeclined:
		headline = "Request declined."
	default:
		headline = "Request pending."
	}
	return Content{Text: fmt.Sprintf("%s\n(by: %s)", headline, resolverName)}
}

// AlreadyResolvedContent is shown to a reviewer who acted after the decision was recorded.
func AlreadyResolvedContent(status Status, resolverName string) Content {
	headline := "Already declined."
	if status == StatusApproved {
		headline = "Already approved."
	}
	return Content{Text: fmt.Sprintf("%s\n(by: %s)", headline, resolverName)}
}

// MembershipContent describes a subject joining or leaving.
func MembershipContent(kind MembershipKind, subject Subject) Content {
	headline := "Member left:"
	if kind == MembershipJoined {
		headline = "Member joined:"
	}
	return Content{Text: headline + "\n" + SubjectLine(subject)}
}

// SubjectLine renders the name, numeric id and username of a subject.
func SubjectLine(subject Subject) string {
	username := "—"
	if u := strings.TrimSpace(subject.Username); u != "" {
		username = "@" + strings.TrimPrefix(u, "@")
	}
	return fmt.Sprintf("Name: %s\nID: %d\nUsername: %s", subject.DisplayName(), subject.ID, username)
}

// MembershipKind distinguishes join and leave notices.
type MembershipKind string

const (
	MembershipJoined MembershipKind = "joined"
	MembershipLeft   MembershipKind = "left"
)

func (k MembershipKind) IsValid() bool {
	return k == MembershipJoined || k == MembershipLeft
}

func ParseMembershipKind(s string) (MembershipKind, error) {
	k := MembershipKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: invalid membership event %q", ErrValidation, s)
	}
	return k, nil
}

// MembershipEvent reports that a subject joined or left the protected resource.
type MembershipEvent struct {
	Kind    MembershipKind
	Subject Subject
}
