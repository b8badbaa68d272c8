package dca

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/swapflow/swapflow-api/internal/ledger"
	"github.com/swapflow/swapflow-api/pkg/response"
)

// GinHandlers contains HTTP handlers for DCA endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// CreateOrderHandler handles POST /dca/order.
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

// ActivateOrderHandler handles POST /dca/activate/:order_id.
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

// CancelOrderHandler handles POST /dca/cancel/:order_id.
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

// WithdrawHandler handles POST /dca/withdraw/:order_id.
// Body: {"wallet_address": "0x..."}.
func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		var req struct {
			WalletAddress string `json:"wallet_address" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.Withdraw(orderID, req.WalletAddress); err != nil {
			switch {
			case errors.Is(err, ErrOrderNotFound),
				errors.Is(err, ErrWalletMismatch),
				errors.Is(err, ErrOrderNotWithdrawable):
				response.BadRequest(c, err.Error())
			default:
				response.InternalError(c, err.Error())
			}
			return
		}
		response.Success(c, gin.H{"message": "withdrawal queued"})
	}
}

// ProgressHandler handles GET /dca/progress/:order_id.
func (h *GinHandlers) ProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		progress, err := h.service.Progress(c.Param("order_id"))
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				response.NotFound(c, "Order not found")
				return
			}
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, progress)
	}
}

// PortfolioHandler handles GET /dca/portfolio/:user_id.
func (h *GinHandlers) PortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolio, err := h.service.Portfolio(c.Param("user_id"))
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, portfolio)
	}
}
