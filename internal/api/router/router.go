package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/jobserver/internal/api/handler"
	"github.com/gin-gonic/gin"
)

const healthTimeout = 2 * time.Second

// Options tune the router outside of handler dependencies
type Options struct {
	ServiceName    string
	AllowedOrigins []string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(opts.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": opts.ServiceName,
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": opts.ServiceName,
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job status
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/events - Stream status and progress
			jobs.GET("/:job_id/events", jobHandler.JobEvents)

			// GET /api/v1/jobs/:job_id/artifact - Download the output file
			jobs.GET("/:job_id/artifact", jobHandler.GetArtifact)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// DELETE /api/v1/jobs/:job_id - Delete a finished job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}
	}

	return r
}
