// Package handlers exposes the ledger, bid and payment services over HTTP.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/bids"
	"github.com/imrishuroy/plantbid/internal/ledger"
	"github.com/imrishuroy/plantbid/internal/orders"
	"github.com/imrishuroy/plantbid/internal/payments"
)

// RequestIDHeader carries the correlation id of a request.
const RequestIDHeader = "X-Request-Id"

// ConversationService is the ledger surface the routes use.
type ConversationService interface {
	Open(ctx context.Context, conversationID, buyerID string) (ledger.Conversation, error)
	Get(ctx context.Context, conversationID string) (*ledger.Conversation, error)
	Complete(ctx context.Context, conversationID string) error
	Append(ctx context.Context, conversationID string, ev ledger.Event) (ledger.Event, error)
	Read(ctx context.Context, conversationID string) ([]ledger.Event, error)
}

// BidService is the bid state machine surface the routes use.
type BidService interface {
	Create(ctx context.Context, conversationID, vendorID, productRef string) (bids.Bid, error)
	Get(ctx context.Context, bidID string) (bids.Bid, error)
	History(ctx context.Context, bidID string) ([]bids.HistoryEntry, error)
	Transition(ctx context.Context, bidID string, req bids.TransitionRequest) (bids.Bid, error)
}

// PaymentService is the payment surface the routes use.
type PaymentService interface {
	Prepare(ctx context.Context, bidID string) (payments.Intent, error)
	Get(ctx context.Context, ref string) (payments.Payment, error)
	Confirm(ctx context.Context, ref, gatewayKey string, amount decimal.Decimal) (payments.Result, error)
	Cancel(ctx context.Context, ref, reason string) (payments.Result, error)
	Reconcile(ctx context.Context, ref string) (payments.Result, error)
	HandleWebhook(ctx context.Context, secret, signature string, body []byte) (payments.Result, error)
}

// OrderReader looks orders up by id.
type OrderReader interface {
	Get(ctx context.Context, id string) (orders.Order, error)
}

// HandlerConfig groups dependencies for the routes.
type HandlerConfig struct {
	Conversations ConversationService
	Bids          BidService
	Payments      PaymentService
	Orders        OrderReader
	WebhookSecret string
	Log           *slog.Logger
}

// NewRouter builds the engine with middleware, health check and every route.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(cfg.Log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	RegisterConversationRoutes(r, cfg)
	RegisterBidRoutes(r, cfg)
	RegisterPaymentRoutes(r, cfg)
	return r
}

// RequestLogger tags each request with an id and writes one access log line.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set("request_id", reqID)
		c.Header(RequestIDHeader, reqID)

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		log.Log(c.Request.Context(), level, "http request",
			"request_id", reqID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// writeError maps err onto the error taxonomy and writes it.
func writeError(c *gin.Context, log *slog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.Kind(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, apperr.ErrGatewayUnavailable) {
		log.Error("request failed",
			"request_id", c.GetString("request_id"),
			"kind", kind,
			"error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   kind,
		"message": err.Error(),
	})
}
