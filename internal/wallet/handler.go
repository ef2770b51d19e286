package wallet

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"bloom_wallet/internal/api"
	"bloom_wallet/internal/apperror"
	"bloom_wallet/internal/auth"

	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	service WalletService
	logger  *slog.Logger
}

func NewHandler(service WalletService, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts the owner routes on authed and the administrative
// routes, keyed by user id, on admin.
func (h *Handler) RegisterRoutes(authed *gin.RouterGroup, admin *gin.RouterGroup) {
	authed.GET("/wallet", h.GetMyWallet)
	authed.GET("/wallet/transactions", h.GetMyTransactions)

	admin.GET("/users/:id/wallet", h.GetUserWallet)
	admin.POST("/users/:id/wallet", h.CreateUserWallet)
	admin.GET("/users/:id/wallet/transactions", h.GetUserTransactions)
	admin.POST("/users/:id/wallet/deposit", h.Deposit)
	admin.GET("/users/:id/wallet/verify", h.VerifyUserWallet)
	admin.GET("/users/:id/wallet/transactions/export", h.ExportUserTransactions)
}

func ActorFromContext(c *gin.Context) (Actor, bool) {
	id, ok := auth.GetUserID(c)
	return Actor{UserID: id, Admin: auth.IsAdmin(c)}, ok
}

// authorizedOwner resolves the actor and checks it may act on ownerID. It
// writes the error response itself.
func authorizedOwner(c *gin.Context, ownerID string) (Actor, bool) {
	actor, ok := ActorFromContext(c)
	if !ok {
		api.Fail(c, apperror.Unauthorized(apperror.CodeUnauthorized, "user not authenticated"))
		return Actor{}, false
	}
	if err := Authorize(actor, ownerID); err != nil {
		api.Fail(c, err)
		return Actor{}, false
	}
	return actor, true
}

func (h *Handler) GetMyWallet(c *gin.Context) {
	actor, ok := ActorFromContext(c)
	if !ok {
		api.Fail(c, apperror.Unauthorized(apperror.CodeUnauthorized, "user not authenticated"))
		return
	}
	h.renderWallet(c, actor.UserID)
}

func (h *Handler) GetUserWallet(c *gin.Context) {
	userID := c.Param("id")
	if _, ok := authorizedOwner(c, userID); !ok {
		return
	}
	h.renderWallet(c, userID)
}

func (h *Handler) renderWallet(c *gin.Context, userID string) {
	w, err := h.service.GetWalletByUserID(c.Request.Context(), userID)
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.OK(c, http.StatusOK, NewWalletResponse(w))
}

func (h *Handler) CreateUserWallet(c *gin.Context) {
	userID := c.Param("id")
	actor, ok := authorizedOwner(c, userID)
	if !ok {
		return
	}
	if err := RequireAdmin(actor); err != nil {
		api.Fail(c, err)
		return
	}

	w, err := h.service.CreateWallet(c.Request.Context(), userID)
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.OK(c, http.StatusCreated, NewWalletResponse(w))
}

func (h *Handler) GetMyTransactions(c *gin.Context) {
	actor, ok := ActorFromContext(c)
	if !ok {
		api.Fail(c, apperror.Unauthorized(apperror.CodeUnauthorized, "user not authenticated"))
		return
	}
	h.renderTransactions(c, actor.UserID)
}

func (h *Handler) GetUserTransactions(c *gin.Context) {
	userID := c.Param("id")
	if _, ok := authorizedOwner(c, userID); !ok {
		return
	}
	h.renderTransactions(c, userID)
}

func (h *Handler) renderTransactions(c *gin.Context, userID string) {
	page, limit := api.PageQuery(c)
	transactionType := TransactionType(strings.ToUpper(strings.TrimSpace(c.Query("type"))))

	result, err := h.service.GetTransactions(c.Request.Context(), userID, page, limit, transactionType)
	if err != nil {
		api.Fail(c, err)
		return
	}

	items := make([]TransactionResponse, 0, len(result.Items))
	for i := range result.Items {
		items = append(items, NewTransactionResponse(&result.Items[i]))
	}
	api.Paginated(c, items, api.NewPagination(result.Page, result.Limit, result.Total))
}

func (h *Handler) Deposit(c *gin.Context) {
	userID := c.Param("id")
	actor, ok := authorizedOwner(c, userID)
	if !ok {
		return
	}
	if err := RequireAdmin(actor); err != nil {
		api.Fail(c, err)
		return
	}

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.Fail(c, apperror.Validation(apperror.CodeValidation, "invalid request body"))
		return
	}

	result, err := h.service.Deposit(c.Request.Context(), userID, req.Amount, req.Description, actor.UserID)
	if err != nil {
		api.Fail(c, err)
		return
	}
	h.logger.Info("admin deposit",
		"admin_id", actor.UserID,
		"user_id", userID,
		"amount", result.Transaction.Amount.StringFixed(2),
		"transaction_id", result.Transaction.ID,
		"balance", result.Wallet.Balance.StringFixed(2),
	)
	api.OK(c, http.StatusCreated, DepositResponse{
		Wallet:      NewWalletResponse(result.Wallet),
		Transaction: NewTransactionResponse(result.Transaction),
	})
}

func (h *Handler) VerifyUserWallet(c *gin.Context) {
	userID := c.Param("id")
	if _, ok := authorizedOwner(c, userID); !ok {
		return
	}

	v, err := h.service.VerifyWallet(c.Request.Context(), userID)
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.OK(c, http.StatusOK, v)
}

func (h *Handler) ExportUserTransactions(c *gin.Context) {
	userID := c.Param("id")
	actor, ok := authorizedOwner(c, userID)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := h.service.ExportTransactions(c.Request.Context(), userID, &buf); err != nil {
		api.Fail(c, err)
		return
	}
	h.logger.Info("wallet statement exported", "requested_by", actor.UserID, "user_id", userID, "bytes", buf.Len())
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=wallet_statement_%s.xlsx", userID))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}
