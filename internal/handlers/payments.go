package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/plantbid/internal/payments"
	"github.com/imrishuroy/plantbid/internal/validation"
)

const maxWebhookBody = 64 << 10

// RegisterPaymentRoutes registers checkout, confirm, cancel, reconcile and the
// gateway webhook.
func RegisterPaymentRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()
	g := r.Group("/payments")

	g.POST("/prepare", func(c *gin.Context) {
		var req validation.PreparePaymentRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		intent, err := cfg.Payments.Prepare(c.Request.Context(), req.BidID)
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		c.Header("Location", "/payments/"+intent.PaymentRef)
		c.JSON(http.StatusCreated, intent)
	})

	g.POST("/webhook", func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "message": err.Error()})
			return
		}
		sig := c.GetHeader(payments.SignatureHeader)
		if !payments.VerifySignature(cfg.WebhookSecret, sig, body) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
			return
		}
		res, err := cfg.Payments.HandleWebhook(c.Request.Context(), cfg.WebhookSecret, sig, body)
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	g.GET("/:ref", func(c *gin.Context) {
		p, err := cfg.Payments.Get(c.Request.Context(), c.Param("ref"))
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		c.JSON(http.StatusOK, p)
	})

	g.POST("/:ref/confirm", func(c *gin.Context) {
		var req validation.ConfirmPaymentRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		res, err := cfg.Payments.Confirm(c.Request.Context(), c.Param("ref"), req.GatewayKey, req.Amount)
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		writeResult(c, res)
	})

	g.POST("/:ref/cancel", func(c *gin.Context) {
		var req validation.CancelPaymentRequest
		// an empty body is a cancel without reason
		if c.Request.ContentLength != 0 {
			if err := validation.BindAndValidate(c, &req, v); err != nil {
				return
			}
		}
		res, err := cfg.Payments.Cancel(c.Request.Context(), c.Param("ref"), req.Reason)
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		writeResult(c, res)
	})

	g.POST("/:ref/reconcile", func(c *gin.Context) {
		res, err := cfg.Payments.Reconcile(c.Request.Context(), c.Param("ref"))
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})
}

// writeResult answers 202 while the outcome still depends on reconciliation.
func writeResult(c *gin.Context, res payments.Result) {
	if res.Status == payments.StatusPending || res.CancelQueued || res.PendingGatewayReconciliation {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res)
}
