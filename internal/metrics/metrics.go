// Package metrics publishes outcome counters to CloudWatch.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/imrishuroy/plantbid/internal/aws"
	"github.com/imrishuroy/plantbid/internal/bids"
	"github.com/imrishuroy/plantbid/internal/ledger"
	"github.com/imrishuroy/plantbid/internal/payments"
)

// Metric names
const (
	LedgerDuplicateRejected = "LedgerDuplicateRejected"
	BidConflict             = "BidConflict"
	GatewayUnavailable      = "GatewayUnavailable"
	GatewayRejected         = "GatewayRejected"
	ReconciliationMismatch  = "ReconciliationMismatch"
	PaymentSucceeded        = "PaymentSucceeded"
)

// CloudWatch records counters with PutMetricData. Failures are logged and
// otherwise ignored.
type CloudWatch struct {
	client    aws.CloudWatchAPI
	namespace string
	log       *slog.Logger
	nowFunc   func() time.Time
}

var (
	_ ledger.DuplicateRecorder = (*CloudWatch)(nil)
	_ bids.ConflictRecorder    = (*CloudWatch)(nil)
	_ payments.Recorder        = (*CloudWatch)(nil)
)

// NewCloudWatch returns a CloudWatch recorder in namespace.
func NewCloudWatch(client aws.CloudWatchAPI, namespace string, log *slog.Logger) *CloudWatch {
	return &CloudWatch{client: client, namespace: namespace, log: log, nowFunc: time.Now}
}

func (c *CloudWatch) DuplicateRejected(ctx context.Context, kind string) {
	c.count(ctx, LedgerDuplicateRejected, map[string]string{"Kind": kind})
}

func (c *CloudWatch) BidConflict(ctx context.Context) { c.count(ctx, BidConflict, nil) }

func (c *CloudWatch) GatewayUnavailable(ctx context.Context) { c.count(ctx, GatewayUnavailable, nil) }

func (c *CloudWatch) GatewayRejected(ctx context.Context) { c.count(ctx, GatewayRejected, nil) }

func (c *CloudWatch) ReconciliationMismatch(ctx context.Context) {
	c.count(ctx, ReconciliationMismatch, nil)
}

func (c *CloudWatch) PaymentSucceeded(ctx context.Context) { c.count(ctx, PaymentSucceeded, nil) }

func (c *CloudWatch) count(ctx context.Context, name string, dims map[string]string) {
	now := c.nowFunc()
	one := 1.0
	datum := cwtypes.MetricDatum{
		MetricName: &name,
		Unit:       cwtypes.StandardUnitCount,
		Value:      &one,
		Timestamp:  &now,
	}
	for k, v := range dims {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{Name: awsString(k), Value: awsString(v)})
	}
	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  &c.namespace,
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		c.log.Warn("put metric failed", "metric", name, "error", err)
	}
}

func awsString(s string) *string { return &s }

// Nop drops every counter.
type Nop struct{}

func (Nop) DuplicateRejected(context.Context, string) {}
func (Nop) BidConflict(context.Context)               {}
func (Nop) GatewayUnavailable(context.Context)        {}
func (Nop) GatewayRejected(context.Context)           {}
func (Nop) ReconciliationMismatch(context.Context)    {}
func (Nop) PaymentSucceeded(context.Context)          {}
