package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/plantbid/internal/bids"
	"github.com/imrishuroy/plantbid/internal/validation"
)

// RegisterBidRoutes registers the bid and order routes.
func RegisterBidRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()

	r.POST("/bids", func(c *gin.Context) {
		var req validation.CreateBidRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		b, err := cfg.Bids.Create(c.Request.Context(), req.ConversationID, req.VendorID, req.ProductRef)
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		c.Header("Location", "/bids/"+b.ID)
		c.JSON(http.StatusCreated, b)
	})

	r.GET("/bids/:id", func(c *gin.Context) {
		ctx := c.Request.Context()
		b, err := cfg.Bids.Get(ctx, c.Param("id"))
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		history, err := cfg.Bids.History(ctx, b.ID)
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"bid": b, "history": history})
	})

	r.POST("/bids/:id/transition", func(c *gin.Context) {
		var req validation.TransitionRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		ctx := c.Request.Context()
		if bids.Status(req.TargetState) == bids.StatusCancelled {
			if cancelPaidBid(c, cfg, c.Param("id"), req.Payload.Reason) {
				return
			}
		}
		b, err := cfg.Bids.Transition(ctx, c.Param("id"), bids.TransitionRequest{
			Target:     bids.Status(req.TargetState),
			Actor:      bids.Actor(req.Payload.Actor),
			Price:      req.Payload.Price,
			ProductRef: req.Payload.ProductRef,
			PaymentRef: req.Payload.PaymentRef,
			Reason:     req.Payload.Reason,
		})
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		c.JSON(http.StatusOK, b)
	})

	if cfg.Orders != nil {
		r.GET("/orders/:id", func(c *gin.Context) {
			o, err := cfg.Orders.Get(c.Request.Context(), c.Param("id"))
			if err != nil {
				writeError(c, cfg.Log, err)
				return
			}
			c.JSON(http.StatusOK, o)
		})
	}
}

// cancelPaidBid cancels a paid bid by refunding its payment; the payment
// service then cancels the bid. It reports false when the bid is not paid and
// the plain transition applies.
func cancelPaidBid(c *gin.Context, cfg HandlerConfig, bidID, reason string) bool {
	ctx := c.Request.Context()
	b, err := cfg.Bids.Get(ctx, bidID)
	if err != nil {
		writeError(c, cfg.Log, err)
		return true
	}
	if b.Status != bids.StatusPaid || b.PaymentRef == "" || cfg.Payments == nil {
		return false
	}
	res, err := cfg.Payments.Cancel(ctx, b.PaymentRef, reason)
	if err != nil {
		writeError(c, cfg.Log, err)
		return true
	}
	if b, err = cfg.Bids.Get(ctx, bidID); err != nil {
		writeError(c, cfg.Log, err)
		return true
	}
	status := http.StatusOK
	if res.PendingGatewayReconciliation {
		status = http.StatusAccepted
	}
	c.JSON(status, b)
	return true
}
