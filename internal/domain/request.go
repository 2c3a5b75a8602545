package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of an access request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDeclined Status = "declined"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDeclined:
		return true
	}
	return false
}

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusDeclined
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Outcome is a reviewer's verdict on a pending request.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeDecline Outcome = "decline"
)

func (o Outcome) String() string { return string(o) }

func (o Outcome) IsValid() bool {
	return o == OutcomeApprove || o == OutcomeDecline
}

// Status maps the outcome to the terminal status it produces.
func (o Outcome) Status() Status {
	switch o {
	case OutcomeApprove:
		return StatusApproved
	case OutcomeDecline:
		return StatusDeclined
	}
	return ""
}

// Subject captures the attributes of the party requesting access at request time.
type Subject struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	FullName  string `json:"full_name,omitempty"`
}

func (s Subject) Validate() error {
	if s.ID == 0 {
		return fmt.Errorf("%w: subject id is required", ErrValidation)
	}
	return nil
}

// DisplayName returns the best available human-readable name.
func (s Subject) DisplayName() string {
	if name := strings.TrimSpace(s.FullName); name != "" {
		return name
	}
	if name := strings.TrimSpace(strings.TrimSpace(s.FirstName) + " " + strings.TrimSpace(s.LastName)); name != "" {
		return name
	}
	return "—"
}

// Snapshot serializes the subject for durable storage.
func (s Subject) Snapshot() (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to serialize subject snapshot: %w", err)
	}
	return string(payload), nil
}

// AccessRequest is one subject's request for access awaiting a reviewer decision.
type AccessRequest struct {
	SubjectID       int64
	SubjectSnapshot string
	Status          Status
	DecidedBy       *int64
	DecidedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Subject decodes the stored snapshot.
func (r *AccessRequest) Subject() (Subject, error) {
	var s Subject
	if r == nil || strings.TrimSpace(r.SubjectSnapshot) == "" {
		return s, fmt.Errorf("%w: empty subject snapshot", ErrValidation)
	}
	if err := json.Unmarshal([]byte(r.SubjectSnapshot), &s); err != nil {
		return s, fmt.Errorf("%w: malformed subject snapshot: %v", ErrValidation, err)
	}
	return s, nil
}

// NotificationReference locates one fanned-out copy of a decision prompt.
type NotificationReference struct {
	SubjectID       int64
	ReviewerTarget  int64
	ReferenceHandle string
	CreatedAt       time.Time
}
