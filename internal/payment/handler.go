package payment

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"bloom_wallet/internal/api"
	"bloom_wallet/internal/apperror"
	"bloom_wallet/internal/bog"
	"bloom_wallet/internal/metrics"
	"bloom_wallet/internal/notify"
	"bloom_wallet/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const (
	maxCallbackBody  = 1 << 20
	DefaultHeartbeat = 10 * time.Second

	// streamWriteSlack is added to the heartbeat when extending the write
	// deadline of an event stream.
	streamWriteSlack = 5 * time.Second
)

type Handler struct {
	service    TopUpService
	reconciler CallbackProcessor
	verifier   *bog.Verifier
	hub        *notify.Hub
	validate   *validator.Validate
	heartbeat  time.Duration
	logger     *slog.Logger
}

// NewHandler builds the top-up and callback endpoints. A nil verifier
// accepts unsigned callbacks.
func NewHandler(service TopUpService, reconciler CallbackProcessor, verifier *bog.Verifier, hub *notify.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		service:    service,
		reconciler: reconciler,
		verifier:   verifier,
		hub:        hub,
		validate:   validator.New(),
		heartbeat:  DefaultHeartbeat,
		logger:     logger,
	}
}

// RegisterRoutes mounts the customer endpoints on authed and the gateway
// callback on public. topUp middleware (rate limiting) guards order creation.
func (h *Handler) RegisterRoutes(authed *gin.RouterGroup, public *gin.RouterGroup, topUp ...gin.HandlerFunc) {
	authed.POST("/wallet/topup", append(topUp, h.CreateTopUp)...)
	authed.GET("/wallet/topups", h.ListTopUps)
	authed.GET("/wallet/topups/:id", h.GetTopUp)
	authed.GET("/wallet/topups/:id/events", h.StreamTopUp)

	public.POST("/payments/bog/callback", h.Callback)
}

func (h *Handler) CreateTopUp(c *gin.Context) {
	actor, ok := wallet.ActorFromContext(c)
	if !ok {
		api.Fail(c, apperror.Unauthorized(apperror.CodeUnauthorized, "user not authenticated"))
		return
	}

	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.Fail(c, apperror.Validation(apperror.CodeValidation, "invalid request body"))
		return
	}

	order, err := h.service.CreateTopUp(c.Request.Context(), actor.UserID, req.Amount, req.Currency)
	if err != nil {
		api.Fail(c, err)
		return
	}

	resp := TopUpResponse{Order: NewOrderResponse(order)}
	if order.RedirectURL != nil {
		resp.RedirectURL = *order.RedirectURL
	}
	api.OK(c, http.StatusCreated, resp)
}

func (h *Handler) ListTopUps(c *gin.Context) {
	actor, ok := wallet.ActorFromContext(c)
	if !ok {
		api.Fail(c, apperror.Unauthorized(apperror.CodeUnauthorized, "user not authenticated"))
		return
	}

	page, limit := api.PageQuery(c)
	result, err := h.service.ListTopUps(c.Request.Context(), actor.UserID, page, limit)
	if err != nil {
		api.Fail(c, err)
		return
	}

	items := make([]OrderResponse, 0, len(result.Items))
	for i := range result.Items {
		items = append(items, NewOrderResponse(&result.Items[i]))
	}
	api.Paginated(c, items, api.NewPagination(result.Page, result.Limit, result.Total))
}

func (h *Handler) GetTopUp(c *gin.Context) {
	actor, ok := wallet.ActorFromContext(c)
	if !ok {
		api.Fail(c, apperror.Unauthorized(apperror.CodeUnauthorized, "user not authenticated"))
		return
	}

	order, err := h.service.GetTopUp(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		api.Fail(c, err)
		return
	}
	api.OK(c, http.StatusOK, NewOrderResponse(order))
}

// StreamTopUp sends the order's current status and then every update for it
// as server-sent events, until the order is settled or the client leaves.
func (h *Handler) StreamTopUp(c *gin.Context) {
	actor, ok := wallet.ActorFromContext(c)
	if !ok {
		api.Fail(c, apperror.Unauthorized(apperror.CodeUnauthorized, "user not authenticated"))
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	order, err := h.service.GetTopUp(ctx, actor, id)
	if err != nil {
		api.Fail(c, err)
		return
	}

	updates, unsubscribe := h.hub.Subscribe(order.UserID)
	defer unsubscribe()

	// re-read after subscribing so a change in between is not lost
	order, err = h.service.GetTopUp(ctx, actor, id)
	if err != nil {
		api.Fail(c, err)
		return
	}

	// the server-wide write timeout would cut a long-lived stream, so each
	// event gets its own deadline
	rc := http.NewResponseController(c.Writer)
	h.extendWriteDeadline(rc)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("status", NewOrderResponse(order))
	c.Writer.Flush()
	if order.Status.Terminal() {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		h.extendWriteDeadline(rc)
		select {
		case <-ctx.Done():
			return false
		case u, ok := <-updates:
			if !ok {
				return false
			}
			if u.OrderID != order.ID {
				return true
			}
			c.SSEvent("status", u)
			return !u.Terminal
		case <-ticker.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}

func (h *Handler) extendWriteDeadline(rc *http.ResponseController) {
	err := rc.SetWriteDeadline(time.Now().Add(h.heartbeat + streamWriteSlack))
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Debug("failed to extend stream write deadline", "error", err)
	}
}

// Callback is the gateway webhook. It answers 2xx for everything it accepts,
// including anomalies it chooses not to act on, and non-2xx when the gateway
// should retry or the request is not a valid callback.
func (h *Handler) Callback(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.malformed(c, "unreadable body", err)
		return
	}

	if h.verifier != nil {
		if err := h.verifier.Verify(raw, c.GetHeader(bog.SignatureHeader)); err != nil {
			metrics.RecordCallback(string(OutcomeUnauthorized))
			h.logger.Warn("rejected gateway callback", "reason", err.Error(), "client_ip", c.ClientIP())
			api.Abort(c, http.StatusUnauthorized, apperror.CodeInvalidSignature, "invalid callback signature")
			return
		}
	}

	var cb bog.Callback
	if err := json.Unmarshal(raw, &cb); err != nil {
		h.malformed(c, "invalid json", err)
		return
	}
	if cb.Event == "" {
		h.malformed(c, "missing event", nil)
		return
	}
	if cb.Event == bog.EventOrderPayment {
		if err := h.validate.Struct(&cb.Body); err != nil {
			h.malformed(c, "invalid order payload", err)
			return
		}
	}

	outcome, err := h.reconciler.HandleCallback(c.Request.Context(), &cb, raw)
	if err != nil {
		metrics.RecordCallback(string(OutcomeError))
		h.logger.Error("gateway callback processing failed", "bog_order_id", cb.Body.OrderID, "error", err)
		api.Fail(c, apperror.Internal(apperror.CodeInternal, "callback processing failed", err))
		return
	}

	metrics.RecordCallback(string(outcome))
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) malformed(c *gin.Context, reason string, err error) {
	metrics.RecordCallback(string(OutcomeMalformed))
	attrs := []any{"reason", reason, "client_ip", c.ClientIP()}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		attrs = append(attrs, "fields", ve.Error())
	} else if err != nil {
		attrs = append(attrs, "error", err)
	}
	h.logger.Warn("malformed gateway callback", attrs...)
	api.Abort(c, http.StatusBadRequest, apperror.CodeInvalidCallback, "malformed callback payload")
}
