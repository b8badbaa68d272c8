package limitorder

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/swapflow/swapflow-api/internal/ledger"
	"github.com/swapflow/swapflow-api/pkg/response"
)

// GinHandlers contains HTTP handlers for limit order endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// CreateOrderHandler handles POST /limit/order.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrder(&req)
		if err != nil {
			if errors.Is(err, ErrInvalidOrder) {
				response.BadRequest(c, err.Error())
				return
			}
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, order)
	}
}

// ActivateOrderHandler handles POST /limit/activate/:order_id.
// Body: {"deposit_tx_hash": "0x..."}.
func (h *GinHandlers) ActivateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		var req struct {
			DepositTxHash string `json:"deposit_tx_hash" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.ActivateOrder(c.Request.Context(), orderID, req.DepositTxHash)
		if err != nil {
			switch {
			case errors.Is(err, ErrOrderNotFound),
				errors.Is(err, ErrOrderNotPending),
				errors.Is(err, ErrDepositUnverified),
				errors.Is(err, ledger.ErrDuplicateDeposit):
				response.BadRequest(c, err.Error())
			default:
				response.InternalError(c, err.Error())
			}
			return
		}
		response.Success(c, order)
	}
}

// CancelOrderHandler handles POST /limit/cancel/:order_id.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		if err := h.service.CancelOrder(orderID); err != nil {
			switch {
			case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrOrderNotActive):
				response.BadRequest(c, err.Error())
			default:
				response.InternalError(c, err.Error())
			}
			return
		}
		response.Success(c, gin.H{"message": "order cancelled successfully"})
	}
}

// GetOrderHandler handles GET /limit/order/:order_id.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetOrder(c.Param("order_id"))
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, order)
	}
}

// GetOrdersHandler handles GET /limit/orders/:user_id.
func (h *GinHandlers) GetOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := h.service.OrdersByUser(c.Param("user_id"))
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, orders)
	}
}
