package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/plantbid/internal/app"
	"github.com/imrishuroy/plantbid/internal/config"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "configs/plantbid.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		log.Error("init services", "error", err)
		os.Exit(1)
	}
	p := NewProcessor(a.Payments, log.With("component", "worker"))

	// If RUN_LOCAL=true, optionally replay one message, then sweep until interrupted.
	if cfg.RunLocal {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if body := os.Getenv("LOCAL_SQS_BODY"); body != "" {
			resp, err := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{{MessageId: "local-1", Body: body}}})
			if err != nil {
				log.Error("local handler error", "error", err)
				os.Exit(1)
			}
			out, _ := json.Marshal(resp)
			log.Info("local message handled", "response", string(out))
		}
		if err := a.Sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("sweeper", "error", err)
			os.Exit(1)
		}
		return
	}

	// the same binary serves the scheduled sweep
	if os.Getenv("WORKER_MODE") == "sweep" {
		lambda.Start(func(ctx context.Context, _ events.CloudWatchEvent) error {
			n, err := a.Sweeper.SweepOnce(ctx)
			log.Info("sweep finished", "visited", n)
			return err
		})
		return
	}

	lambda.Start(p.Handle)
}
