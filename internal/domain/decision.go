package domain

import (
	"fmt"
	"regexp"
	"strconv"
)

var decisionTokenPattern = regexp.MustCompile(`^(approve|decline):(\d+)$`)

// Decision is one reviewer's attempt to resolve a request.
type Decision struct {
	SubjectID  int64
	Outcome    Outcome
	ResolverID int64
}

// DecisionToken renders the action token carried by a prompt button, e.g. approve:42.
func DecisionToken(outcome Outcome, subjectID int64) string {
	return fmt.Sprintf("%s:%d", outcome, subjectID)
}

// ParseDecisionToken splits an approve:<id> / decline:<id> token.
func ParseDecisionToken(token string) (Outcome, int64, error) {
	match := decisionTokenPattern.FindStringSubmatch(token)
	if match == nil {
		return "", 0, fmt.Errorf("%w: malformed decision token %q", ErrInvalidRequest, token)
	}

	subjectID, err := strconv.ParseInt(match[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: subject id out of range in %q", ErrInvalidRequest, token)
	}

	return Outcome(match[1]), subjectID, nil
}

// NewDecision builds a decision from an intake token and the acting reviewer.
func NewDecision(token string, resolverID int64) (Decision, error) {
	outcome, subjectID, err := ParseDecisionToken(token)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		SubjectID:  subjectID,
		Outcome:    outcome,
		ResolverID: resolverID,
	}, nil
}
