package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/plantbid/internal/apperr"
	"github.com/imrishuroy/plantbid/internal/ledger"
	"github.com/imrishuroy/plantbid/internal/projection"
	"github.com/imrishuroy/plantbid/internal/validation"
)

// RegisterConversationRoutes registers the ledger routes.
func RegisterConversationRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()
	g := r.Group("/conversations")

	g.POST("", func(c *gin.Context) {
		var req validation.OpenConversationRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		conv, err := cfg.Conversations.Open(c.Request.Context(), req.ConversationID, req.BuyerID)
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		c.Header("Location", "/conversations/"+conv.ID)
		c.JSON(http.StatusCreated, conv)
	})

	g.GET("/:id", func(c *gin.Context) {
		conv, err := cfg.Conversations.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		if conv == nil {
			writeError(c, cfg.Log, apperr.ErrNotFound)
			return
		}
		c.JSON(http.StatusOK, conv)
	})

	g.POST("/:id/events", func(c *gin.Context) {
		var req validation.AppendEventRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		ev, err := cfg.Conversations.Append(c.Request.Context(), c.Param("id"), eventFromRequest(req))
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		c.JSON(http.StatusCreated, ev)
	})

	g.GET("/:id/events", func(c *gin.Context) {
		events, err := cfg.Conversations.Read(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	g.GET("/:id/state", func(c *gin.Context) {
		events, err := cfg.Conversations.Read(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		c.JSON(http.StatusOK, projection.Project(events))
	})

	g.POST("/:id/complete", func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		if err := cfg.Conversations.Complete(ctx, id); err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		conv, err := cfg.Conversations.Get(ctx, id)
		if err != nil {
			writeError(c, cfg.Log, err)
			return
		}
		c.JSON(http.StatusOK, conv)
	})
}

func eventFromRequest(req validation.AppendEventRequest) ledger.Event {
	ev := ledger.Event{
		Role:     ledger.Role(req.Role),
		Content:  req.Content,
		VendorID: req.VendorID,
	}
	if req.Timestamp != nil {
		ev.Timestamp = req.Timestamp.UTC()
	}
	if req.Offer != nil {
		ev.Offer = &ledger.Offer{
			ProductRef:      req.Offer.ProductRef,
			Price:           req.Offer.Price,
			ReferenceImages: req.Offer.ReferenceImages,
		}
	}
	if req.LocationInfo != nil {
		ev.LocationInfo = &ledger.LocationInfo{
			Address: req.LocationInfo.Address,
			Lat:     req.LocationInfo.Lat,
			Lng:     req.LocationInfo.Lng,
			Radius:  req.LocationInfo.Radius,
		}
	}
	for _, sr := range req.VendorSearchResults {
		ev.VendorSearchResults = append(ev.VendorSearchResults, ledger.VendorSearchResult{
			VendorID:        sr.VendorID,
			Distance:        sr.Distance,
			OfferedProducts: sr.OfferedProducts,
		})
	}
	return ev
}
