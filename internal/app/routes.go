package app

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-exec/internal/auth"
	"github.com/ksred/klear-exec/internal/funded"
	"github.com/ksred/klear-exec/internal/performance"
	"github.com/ksred/klear-exec/internal/rotation"
	"github.com/ksred/klear-exec/internal/trading"
	"github.com/ksred/klear-exec/pkg/middleware"
	"github.com/ksred/klear-exec/pkg/response"
)

func init() {
	response.RegisterNotFound(
		trading.ErrOrderNotFound,
		funded.ErrAccountNotFound,
		funded.ErrViolationNotFound,
		performance.ErrStrategyNotFound,
	)
}

// Router builds the HTTP API.
//   - /auth: public token exchange
//   - reads and signal intake: any authenticated client
//   - session control, flattening, violations, strategy status, rotation runs: operators only
func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(), a.limiter.Middleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "session": a.Engine.Session()})
	})

	authHandlers := auth.NewGinHandlers(a.Auth)
	tradingHandlers := trading.NewGinHandlers(a.Engine)
	fundedHandlers := funded.NewGinHandlers(a.Registry)
	strategyHandlers := performance.NewGinHandlers(a.Ledger)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		api := v1.Group("")
		api.Use(middleware.JWTAuth(a.Auth))
		{
			api.POST("/signals", middleware.RequirePermission(auth.PermissionSignal), tradingHandlers.SubmitSignalHandler())

			api.GET("/orders", tradingHandlers.ListOrdersHandler())
			api.GET("/orders/:order_id", tradingHandlers.GetOrderHandler())
			api.GET("/session", tradingHandlers.SessionHandler())
			api.GET("/positions/:account_id", tradingHandlers.PositionsHandler())

			api.GET("/accounts", fundedHandlers.ListAccountsHandler())
			api.GET("/accounts/:account_id", fundedHandlers.GetAccountHandler())
			api.GET("/accounts/:account_id/violations", fundedHandlers.ListViolationsHandler())

			api.GET("/strategies", strategyHandlers.ListStrategiesHandler())
			api.GET("/strategies/:strategy_id", strategyHandlers.GetStrategyHandler())
		}

		ops := api.Group("")
		ops.Use(middleware.RequirePermission(auth.PermissionOperator))
		{
			ops.POST("/session/emergency-stop", tradingHandlers.EmergencyStopHandler())
			ops.POST("/session/resume", tradingHandlers.ResumeHandler())
			ops.POST("/positions/:account_id/flatten", tradingHandlers.FlattenHandler())

			ops.POST("/accounts/:account_id/flatten", fundedHandlers.FlattenHandler())
			ops.POST("/accounts/:account_id/sync-violations", fundedHandlers.SyncViolationsHandler())
			ops.POST("/violations/:violation_id/resolve", fundedHandlers.ResolveViolationHandler())

			ops.POST("/strategies/:strategy_id/:action", strategyHandlers.SetStatusHandler())
		}

		if a.Supervisor != nil {
			rotationHandlers := rotation.NewGinHandlers(a.Supervisor)
			api.GET("/rotation/rules", rotationHandlers.RulesHandler())
			api.GET("/rotation/advisories", rotationHandlers.AdvisoriesHandler())
			api.GET("/rotation/history", rotationHandlers.HistoryHandler())
			ops.POST("/rotation/run", rotationHandlers.RunHandler())
		}
	}

	return router
}
