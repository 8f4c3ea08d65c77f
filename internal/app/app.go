// Package app wires the ledger, bid machine, order and payment services from
// configuration. The API and the worker build the same graph.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/imrishuroy/plantbid/internal/aws"
	"github.com/imrishuroy/plantbid/internal/bids"
	"github.com/imrishuroy/plantbid/internal/config"
	"github.com/imrishuroy/plantbid/internal/gateway"
	"github.com/imrishuroy/plantbid/internal/handlers"
	"github.com/imrishuroy/plantbid/internal/idempotency"
	"github.com/imrishuroy/plantbid/internal/ledger"
	"github.com/imrishuroy/plantbid/internal/metrics"
	"github.com/imrishuroy/plantbid/internal/notify"
	"github.com/imrishuroy/plantbid/internal/orders"
	"github.com/imrishuroy/plantbid/internal/payments"
	"github.com/imrishuroy/plantbid/internal/store/dynamo"
	"github.com/imrishuroy/plantbid/internal/store/memory"
)

// Recorder receives every outcome counter.
type Recorder interface {
	ledger.DuplicateRecorder
	bids.ConflictRecorder
	payments.Recorder
}

// App is the wired service graph.
type App struct {
	Config   config.Config
	Ledger   *ledger.Ledger
	Bids     *bids.Machine
	Orders   *orders.Service
	Payments *payments.Service
	Sweeper  *payments.Sweeper
}

type backend struct {
	ledger    ledger.Repository
	bids      bids.Repository
	payments  payments.Repository
	orders    orders.Repository
	events    payments.EventDeduper
	metrics   Recorder
	scheduler payments.Scheduler
	notifier  notify.Sender
}

// New builds the graph. With STORAGE=memory no AWS client is created.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	var (
		be  backend
		err error
	)
	switch cfg.Storage {
	case config.StorageMemory:
		be = memoryBackend()
	case config.StorageDynamoDB:
		be, err = dynamoBackend(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}

	l := ledger.New(be.ledger, log.With("component", "ledger"), ledger.WithDuplicateRecorder(be.metrics))

	machine := bids.NewMachine(be.bids, l, log.With("component", "bids"))
	machine.SetConflictRecorder(be.metrics)

	ords := orders.NewService(be.orders, log.With("component", "orders"))
	machine.Subscribe(ords)

	gw := gateway.New(cfg.GatewayBaseURL, cfg.GatewayCheckoutURL, cfg.GatewaySecretKey, cfg.GatewayTimeout)
	pay := payments.NewService(be.payments, machine, ords, gw, be.scheduler, be.metrics,
		log.With("component", "payments"),
		payments.Options{
			GatewayTimeout:  cfg.GatewayTimeout,
			MaxRetries:      cfg.MaxRetries,
			BaseBackoff:     cfg.RetryBaseBackoff,
			ConflictRetries: cfg.ConflictRetries,
			StaleAfter:      cfg.StalePendingAfter,
		})
	pay.SetEventDeduper(be.events)
	machine.SetPaymentChecker(pay)

	if be.notifier != nil {
		d := notify.NewDispatcher(be.notifier, log.With("component", "notify"))
		machine.Subscribe(d)
		pay.Subscribe(d)
	}

	return &App{
		Config:   cfg,
		Ledger:   l,
		Bids:     machine,
		Orders:   ords,
		Payments: pay,
		Sweeper: payments.NewSweeper(pay, log.With("component", "sweeper"),
			cfg.ReconcileInterval, cfg.ReconcileBatch, cfg.ReconcileWorkers),
	}, nil
}

// HandlerConfig returns the HTTP dependencies of the graph.
func (a *App) HandlerConfig(log *slog.Logger) handlers.HandlerConfig {
	return handlers.HandlerConfig{
		Conversations: a.Ledger,
		Bids:          a.Bids,
		Payments:      a.Payments,
		Orders:        a.Orders,
		WebhookSecret: a.Config.GatewayWebhookSecret,
		Log:           log,
	}
}

func memoryBackend() backend {
	db := memory.New()
	return backend{
		ledger:   db.Ledger(),
		bids:     db.Bids(),
		payments: db.Payments(),
		orders:   db.Orders(),
		events:   db.Claims(),
		metrics:  metrics.Nop{},
	}
}

func dynamoBackend(ctx context.Context, cfg config.Config, log *slog.Logger) (backend, error) {
	clients, err := aws.NewClients(ctx, cfg.AWSRegion)
	if err != nil {
		return backend{}, fmt.Errorf("init aws clients: %w", err)
	}

	claims := idempotency.NewStore(clients.DynamoDB, cfg.Tables.Claims, cfg.WebhookClaimTTL)
	db := dynamo.New(clients.DynamoDB, dynamo.Tables{
		Conversations: cfg.Tables.Conversations,
		Events:        cfg.Tables.Events,
		Slots:         cfg.Tables.Slots,
		Bids:          cfg.Tables.Bids,
		BidHistory:    cfg.Tables.BidHistory,
		Payments:      cfg.Tables.Payments,
		Orders:        cfg.Tables.Orders,
	}, claims)

	be := backend{
		ledger:   db.Ledger(),
		bids:     db.Bids(),
		payments: db.Payments(),
		orders:   db.Orders(),
		events:   claims,
		metrics:  metrics.NewCloudWatch(clients.CloudWatch, cfg.MetricsNamespace, log.With("component", "metrics")),
	}
	if q := clients.Queue(cfg.ReconcileQueueURL); q != nil {
		be.scheduler = notify.NewReconcileQueue(q)
	}
	if q := clients.Queue(cfg.NotifyQueueURL); q != nil {
		be.notifier = q
	}
	return be, nil
}
