package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cuongbtq/jobserver/internal/api/dto"
	"github.com/cuongbtq/jobserver/internal/artifact"
	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/cuongbtq/jobserver/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateJob handles POST /api/v1/jobs
// Submits a job and returns it in pending state
func (h *JobHandler) CreateJob(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	owner := requester
	if req.Owner != "" {
		parsed, err := domain.ParseOwner(req.Owner)
		if err != nil {
			h.writeError(c, err)
			return
		}
		owner = parsed
	}

	var expiry time.Duration
	if req.Expiry != "" {
		d, err := time.ParseDuration(req.Expiry)
		if err != nil {
			h.writeError(c, domain.NewValidationError("expiry", "invalid duration %q", req.Expiry))
			return
		}
		expiry = d
	}

	job, err := h.service.Submit(c.Request.Context(), service.SubmitRequest{
		Kind:   req.Kind,
		Input:  req.Input,
		Owner:  owner,
		Expiry: expiry,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.FromJob(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves the current snapshot of a job
func (h *JobHandler) GetJob(c *gin.Context) {
	requester, id, ok := h.target(c)
	if !ok {
		return
	}

	job, err := h.service.Authorize(c.Request.Context(), id, requester, service.ActionView)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the requester's jobs newest first with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	owner := requester
	if req.Owner != "" {
		parsed, err := domain.ParseOwner(req.Owner)
		if err != nil {
			h.writeError(c, err)
			return
		}
		owner = parsed
	}
	// Listing someone else's jobs goes through the same check as viewing one.
	if owner != requester {
		probe := &domain.Job{Owner: owner}
		if err := h.service.Permissions().Check(c.Request.Context(), requester, service.ActionView, probe); err != nil {
			h.writeError(c, err)
			return
		}
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	page, err := h.service.List(c.Request.Context(), service.ListRequest{
		Owner:    &owner,
		Kind:     req.Kind,
		State:    domain.State(req.State),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	jobs := make([]dto.JobDTO, len(page.Jobs))
	for i, job := range page.Jobs {
		jobs[i] = dto.FromJob(job)
		jobs[i].Input = nil
		jobs[i].Statuses = nil
	}

	resp := dto.ListJobsResponse{Jobs: jobs}
	if page.Next != nil {
		resp.NextCursor = EncodeJobCursor(page.Next)
	}
	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a pending job at once or asks a running one to stop
func (h *JobHandler) CancelJob(c *gin.Context) {
	requester, id, ok := h.target(c)
	if !ok {
		return
	}

	job, err := h.service.Cancel(c.Request.Context(), id, requester)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusAccepted
	if job.State.IsTerminal() {
		status = http.StatusOK
	}
	c.JSON(status, dto.FromJob(job))
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Removes a finished job and its artifacts
func (h *JobHandler) DeleteJob(c *gin.Context) {
	requester, id, ok := h.target(c)
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), id, requester); err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// JobEvents handles GET /api/v1/jobs/:job_id/events
// Streams job snapshots and live progress as server-sent events until the
// job finishes
func (h *JobHandler) JobEvents(c *gin.Context) {
	requester, id, ok := h.target(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := h.service.Authorize(ctx, id, requester, service.ActionView); err != nil {
		h.writeError(c, err)
		return
	}

	events, err := h.service.Watch(ctx, id, h.watch)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		ev, open := <-events
		if !open {
			return false
		}
		switch {
		case ev.Err != nil:
			c.SSEvent("error", gin.H{"error": ev.Err.Error()})
		case ev.Progress != nil:
			c.SSEvent("progress", dto.FromProgress(ev.Progress))
		case ev.Job != nil:
			c.SSEvent("job", dto.FromJob(ev.Job))
		}
		return true
	})
}

// GetArtifact handles GET /api/v1/jobs/:job_id/artifact
// Downloads the output file of a completed job
func (h *JobHandler) GetArtifact(c *gin.Context) {
	requester, id, ok := h.target(c)
	if !ok {
		return
	}

	rc, ref, err := h.service.OpenArtifact(c.Request.Context(), id, requester)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, ref.Size, "application/octet-stream", rc, map[string]string{
		"Content-Disposition": "attachment; filename=" + strconv.Quote(ref.Filename),
	})
}

func (h *JobHandler) requester(c *gin.Context) (domain.Owner, bool) {
	raw := c.GetHeader(RequesterHeader)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": RequesterHeader + " header is required",
		})
		return domain.Owner{}, false
	}
	owner, err := domain.ParseOwner(raw)
	if err != nil {
		h.writeError(c, err)
		return domain.Owner{}, false
	}
	return owner, true
}

func (h *JobHandler) target(c *gin.Context) (domain.Owner, uuid.UUID, bool) {
	requester, ok := h.requester(c)
	if !ok {
		return domain.Owner{}, uuid.Nil, false
	}

	jobID := c.Param("job_id")
	id, err := uuid.Parse(jobID)
	if err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return domain.Owner{}, uuid.Nil, false
	}
	return requester, id, true
}

// writeError maps service errors to HTTP statuses
func (h *JobHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownKind):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotTerminal), errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case domain.IsStoreError(err):
		status = http.StatusServiceUnavailable
	}

	switch status {
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		h.logger.Error("Request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		msg := "internal error"
		if status == http.StatusServiceUnavailable {
			msg = "job store unavailable"
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
