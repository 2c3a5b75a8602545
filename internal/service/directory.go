package service

import (
	"fmt"
	"strings"
)

// ReviewerDirectory answers who may decide and how they are named.
type ReviewerDirectory interface {
	IsAuthorized(reviewerID int64) bool
	DisplayName(reviewerID int64) string
	// Targets returns reviewer notification targets in configured order.
	Targets() []int64
}

type Reviewer struct {
	ID   int64
	Name string
}

// StaticDirectory is a fixed reviewer roster loaded from configuration.
// A reviewer's notification target is the reviewer id itself.
type StaticDirectory struct {
	order []int64
	names map[int64]string
}

func NewStaticDirectory(ids []int64, names map[int64]string) (*StaticDirectory, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one reviewer is required")
	}

	d := &StaticDirectory{
		order: make([]int64, 0, len(ids)),
		names: make(map[int64]string, len(ids)),
	}
	for _, id := range ids {
		if id == 0 {
			return nil, fmt.Errorf("reviewer id must be non-zero")
		}
		if _, seen := d.names[id]; seen {
			continue
		}
		d.order = append(d.order, id)
		d.names[id] = strings.TrimSpace(names[id])
	}

	return d, nil
}

func (d *StaticDirectory) IsAuthorized(reviewerID int64) bool {
	if d == nil {
		return false
	}
	_, ok := d.names[reviewerID]
	return ok
}

// DisplayName falls back to "Reviewer <id>" when no name is configured.
func (d *StaticDirectory) DisplayName(reviewerID int64) string {
	if d != nil {
		if name := d.names[reviewerID]; name != "" {
			return name
		}
	}
	return fmt.Sprintf("Reviewer %d", reviewerID)
}

func (d *StaticDirectory) Targets() []int64 {
	if d == nil {
		return nil
	}
	return append([]int64(nil), d.order...)
}

func (d *StaticDirectory) Reviewers() []Reviewer {
	if d == nil {
		return nil
	}
	out := make([]Reviewer, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, Reviewer{ID: id, Name: d.DisplayName(id)})
	}
	return out
}
