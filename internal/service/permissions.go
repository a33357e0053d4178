package service

import (
	"context"
	"slices"

	"github.com/cuongbtq/jobserver/internal/domain"
)

// Action is an operation a requester performs on an existing job
type Action string

const (
	ActionView   Action = "view"
	ActionCancel Action = "cancel"
	ActionDelete Action = "delete"
)

// Permissions decides whether a requester may act on a job. It returns nil,
// domain.ErrForbidden or a lookup failure.
type Permissions interface {
	Check(ctx context.Context, requester domain.Owner, action Action, job *domain.Job) error
}

// OwnerOrAdmin lets the job owner and a fixed set of admins act on a job.
type OwnerOrAdmin struct {
	Admins []domain.Owner
}

func (p OwnerOrAdmin) Check(_ context.Context, requester domain.Owner, _ Action, job *domain.Job) error {
	if requester.IsZero() {
		return domain.ErrForbidden
	}
	if requester == job.Owner || slices.Contains(p.Admins, requester) {
		return nil
	}
	return domain.ErrForbidden
}
