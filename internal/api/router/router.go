package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/channelops/internal/api/handler"
)

const serviceName = "channelops-api"

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps, serviceName)
	jobHandler := handler.NewJobHandler(deps)
	agentHandler := handler.NewAgentHandler(deps)
	alertHandler := handler.NewAlertHandler(deps)
	streamHandler := handler.NewStreamHandler(deps)
	authHandler := handler.NewAuthHandler(deps)

	r.GET("/health", healthHandler.Health)

	requireAdmin := RequireAdmin(deps.Auth)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/admin/login", authHandler.Login)

		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/dispatch", jobHandler.DispatchJob)
			jobs.POST("/:job_id/start", jobHandler.StartJob)

			// operator actions
			jobs.POST("/requeue", requireAdmin, jobHandler.BulkRequeue)
			jobs.POST("/:job_id/requeue", requireAdmin, jobHandler.RequeueJob)
		}

		v1.GET("/queue/stats", jobHandler.QueueStats)

		dlq := v1.Group("/dlq")
		{
			dlq.GET("", jobHandler.ListDLQ)
			dlq.GET("/alerts", alertHandler.ListAlerts)
			dlq.GET("/alerts/:alert_id", alertHandler.GetAlert)
			dlq.POST("/alerts/:alert_id/acknowledge", requireAdmin, alertHandler.AcknowledgeAlert)
		}

		agents := v1.Group("/agents")
		{
			agents.POST("/register", agentHandler.Register)
			agents.GET("", agentHandler.ListAgents)
			agents.POST("/:agent_id/heartbeat", agentHandler.Heartbeat)
			agents.POST("/:agent_id/jobs/:job_id/complete", agentHandler.CompleteJob)
			agents.POST("/:agent_id/jobs/:job_id/fail", agentHandler.FailJob)
		}

		streams := v1.Group("/streams")
		{
			streams.POST("", streamHandler.StartSession)
			streams.GET("/:session_id", streamHandler.GetSession)
			streams.POST("/:session_id/disconnect", streamHandler.Disconnected)
			streams.POST("/:session_id/reconnected", streamHandler.Reconnected)
		}
	}

	return r
}
