package trading

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-exec/internal/types"
	"github.com/ksred/klear-exec/pkg/response"
)

// GinHandlers contains HTTP handlers for signal intake, orders and the session
type GinHandlers struct {
	engine *Engine
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{
		engine: engine,
	}
}

// SubmitSignalHandler handles POST requests carrying a trade signal.
// The optional Idempotency-Key header makes resubmission safe.
func (h *GinHandlers) SubmitSignalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var sig types.TradeSignal
		if err := c.ShouldBindJSON(&sig); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		sig.IdempotencyKey = c.GetHeader("Idempotency-Key")

		result := h.engine.ProcessSignal(c.Request.Context(), sig)
		switch result.Status {
		case types.SignalSuccess:
			response.Success(c, result)
		case types.SignalRejected:
			response.Unprocessable(c, result.Reason, result.Message, result)
		default:
			response.Unavailable(c, result.Message, result)
		}
	}
}

// ListOrdersHandler handles GET requests with optional account_id, strategy_id,
// status and limit query filters
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := OrderFilter{
			AccountID:  c.Query("account_id"),
			StrategyID: c.Query("strategy_id"),
			Status:     types.OrderStatus(c.Query("status")),
			Limit:      100,
		}
		if raw := c.Query("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			filter.Limit = limit
		}

		orders, err := h.engine.Orders(filter)
		response.Handle(c, orders, err)
	}
}

// GetOrderHandler handles GET requests for one order and its executions
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		order, err := h.engine.Order(orderID)
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				response.NotFound(c, "Order not found")
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		executions, err := h.engine.Executions(orderID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, gin.H{
			"order":      order,
			"executions": executions,
		})
	}
}

func (h *GinHandlers) SessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, gin.H{
			"session":       h.engine.Session(),
			"active_orders": h.engine.ActiveOrders(),
		})
	}
}

// EmergencyStopHandler halts trading and cancels every working order.
// Request body: {"reason": "..."}
func (h *GinHandlers) EmergencyStopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		cancelled := h.engine.EmergencyStop(c.Request.Context(), req.Reason)
		response.Success(c, gin.H{
			"session":           h.engine.Session(),
			"cancels_requested": cancelled,
		})
	}
}

func (h *GinHandlers) ResumeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.engine.Resume(c.Request.Context())
		response.Success(c, h.engine.Session())
	}
}

// PositionsHandler returns the engine's view of one account's positions
// URL parameter: account_id
func (h *GinHandlers) PositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positions := h.engine.Positions(c.Param("account_id"))
		if positions == nil {
			positions = []types.Position{}
		}
		response.Success(c, positions)
	}
}

// FlattenHandler closes every position on an account with market orders
// URL parameter: account_id
func (h *GinHandlers) FlattenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Param("account_id")
		closing, err := h.engine.FlattenAccount(c.Request.Context(), accountID)
		if err != nil {
			response.Unavailable(c, err.Error(), gin.H{"positions_closing": closing})
			return
		}
		response.Success(c, gin.H{
			"account_id":        accountID,
			"positions_closing": closing,
		})
	}
}
