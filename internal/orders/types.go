package orders

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the fulfilment state of an order.
type Status string

// Order statuses
const (
	StatusCreated   Status = "created"
	StatusPaid      Status = "paid"
	StatusPreparing Status = "preparing"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Order is created at checkout from an accepted bid.
type Order struct {
	ID             string          `json:"id"`
	BidID          string          `json:"bidId"`
	ConversationID string          `json:"conversationId"`
	BuyerID        string          `json:"buyerId"`
	VendorID       string          `json:"vendorId"`
	ProductRef     string          `json:"productRef"`
	PaymentRef     string          `json:"paymentRef,omitempty"`
	Price          decimal.Decimal `json:"price"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// IDForBid derives the order id of a bid; a bid has at most one order.
func IDForBid(bidID string) string {
	return "order-" + strings.TrimPrefix(bidID, "bid-")
}
