package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/franksops/blobshift/config"
	"github.com/franksops/blobshift/engine"
	"github.com/franksops/blobshift/provider"
	"github.com/franksops/blobshift/store"
)

// buildSource creates the source named by cfg.Kind.
func buildSource(ctx context.Context, cfg config.SourceConfig) (provider.Source, error) {
	switch cfg.Kind {
	case "azure":
		src, err := provider.NewAzureSource(provider.AzureOptions{
			Account:   cfg.Account,
			AccessKey: cfg.Key,
			Container: cfg.Container,
			Endpoint:  cfg.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	case "s3":
		src, err := provider.NewS3Source(ctx, provider.S3Options{
			Bucket:   cfg.Container,
			Prefix:   cfg.Prefix,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	case "local":
		return provider.NewLocalSource(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// buildDestination creates the destination named by cfg.Kind.
func buildDestination(ctx context.Context, cfg config.DestinationConfig) (provider.Destination, error) {
	switch cfg.Kind {
	case "s3":
		dst, err := provider.NewS3Destination(ctx, provider.S3Options{
			Bucket:   cfg.Bucket,
			Prefix:   cfg.Prefix,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return dst, nil
	case "minio":
		dst, err := provider.NewMinioDestination(provider.MinioOptions{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Secure:    cfg.Secure,
		})
		if err != nil {
			return nil, err
		}
		return dst, nil
	case "local":
		return provider.NewLocalDestination(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown destination kind %q", cfg.Kind)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	st, err := store.Open(ctx, store.Backend(cfg.Backend), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Backend, err)
	}
	return st, nil
}

// migration holds the components a transfer run is assembled from.
type migration struct {
	store   store.Store
	src     provider.Source
	dst     provider.Destination
	metrics *engine.Metrics
	tracker *engine.Tracker
}

// setup validates the configuration and opens everything a run needs.
// withDestination is false for commands that only list.
func (a *app) setup(ctx context.Context, withDestination bool) (*migration, error) {
	validate := a.cfg.Validate
	if !withDestination {
		validate = a.cfg.ValidateListing
	}
	if err := validate(); err != nil {
		return nil, err
	}

	metrics, err := engine.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}

	src, err := buildSource(ctx, a.cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}

	m := &migration{
		src:     src,
		metrics: metrics,
		tracker: engine.NewTracker(a.logger, metrics),
	}
	if withDestination {
		if m.dst, err = buildDestination(ctx, a.cfg.Destination); err != nil {
			return nil, fmt.Errorf("failed to create destination: %w", err)
		}
	}

	if m.store, err = openStore(ctx, a.cfg.Store); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *migration) close() error {
	return m.store.Close()
}

func (a *app) newLister(m *migration) *engine.Lister {
	return engine.NewLister(m.src, m.store, engine.ListerOptions{
		PageSize:   a.cfg.Lister.PageSize,
		RetryDelay: a.cfg.Lister.RetryDelay,
		Logger:     a.logger,
		Metrics:    m.metrics,
	})
}

func (a *app) newPool(ctx context.Context, m *migration, follow func() bool) *engine.WorkerPool {
	return engine.NewWorkerPool(ctx, func() *engine.Worker {
		return engine.NewWorker(m.store, m.src, m.dst, m.tracker)
	}, engine.PoolOptions{
		Follow:       follow,
		PollInterval: a.cfg.Worker.PollInterval,
		Logger:       a.logger,
		Metrics:      m.metrics,
	})
}
