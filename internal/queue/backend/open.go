// Package backend opens the tube implementation selected by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/JakeFAU/redirect-resolver/internal/config"
	"github.com/JakeFAU/redirect-resolver/internal/queue"
	"github.com/JakeFAU/redirect-resolver/internal/queue/memory"
	"github.com/JakeFAU/redirect-resolver/internal/queue/postgres"
	"github.com/JakeFAU/redirect-resolver/internal/queue/pubsub"
)

// Open returns the named tube on the configured backend.
func Open(ctx context.Context, cfg config.QueueConfig, name string) (queue.Tube, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewTube(name, memory.WithLease(cfg.Lease())), nil
	case config.BackendPostgres:
		tube, err := postgres.NewTube(ctx, postgres.Config{
			DSN:          cfg.DSN,
			Table:        cfg.Table,
			Tube:         name,
			PollInterval: cfg.PollInterval(),
			Lease:        cfg.Lease(),
			MaxConns:     cfg.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open tube %s: %w", name, err)
		}
		if cfg.EnsureSchema {
			if err := tube.EnsureSchema(ctx); err != nil {
				_ = tube.Close()
				return nil, fmt.Errorf("open tube %s: %w", name, err)
			}
		}
		return tube, nil
	default:
		return nil, fmt.Errorf("queue backend %q is not supported", cfg.Backend)
	}
}

// OpenOutput returns the destination for finalized verdicts: either a regular
// tube or the Pub/Sub topic.
func OpenOutput(ctx context.Context, cfg config.Config) (queue.Tube, error) {
	if cfg.Checker.OutputSink == config.SinkPubSub {
		sink, err := pubsub.NewSink(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("open output sink: %w", err)
		}
		return sink, nil
	}
	return Open(ctx, cfg.Queue, cfg.Checker.OutputTube)
}
