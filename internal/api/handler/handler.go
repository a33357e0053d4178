package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/jobserver/internal/service"
)

// RequesterHeader carries the calling principal in type/id form
const RequesterHeader = "X-Requester"

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service *service.Service
	Watch   service.WatchOptions
	// Ready reports backing store health for /health.
	Ready func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	service *service.Service
	watch   service.WatchOptions
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.Service,
		watch:   deps.Watch,
	}
}
