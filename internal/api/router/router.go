package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/tryon-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "tryon-api-service",
		})
	})

	tryOnHandler := handler.NewTryOnHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		tryon := v1.Group("/tryon")
		{
			// POST /api/v1/tryon - Submit a generation job
			tryon.POST("", tryOnHandler.SubmitTryOn)

			// GET /api/v1/tryon - List the caller's jobs
			tryon.GET("", tryOnHandler.ListTryOnJobs)

			// GET /api/v1/tryon/:job_id - Poll job status
			tryon.GET("/:job_id", tryOnHandler.GetTryOnJob)
		}
	}

	return r
}
