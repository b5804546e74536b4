// Package backend delivers call records to storage destinations.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/aschepis/backscratcher/llmwarehouse/config"
	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/rs/zerolog"
)

// Adapter delivers one call record to one destination.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Name identifies the adapter in logs and metrics.
	Name() string

	// Send delivers rec. Errors are reported, never retried by the caller.
	Send(ctx context.Context, rec record.CallRecord) error

	// Close releases connections and file handles.
	Close() error
}

// FromOptions builds every adapter that opts configures, in delivery order.
// It fails fast on missing credentials or unreachable brokers; adapters that
// were already built are closed before returning an error.
func FromOptions(ctx context.Context, opts config.Options, logger zerolog.Logger) ([]Adapter, error) {
	var (
		adapters []Adapter
		errs     []error
	)
	add := func(a Adapter, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		adapters = append(adapters, a)
	}

	if opts.WarehouseURL != "" {
		add(NewWarehouseAdapter(WarehouseConfig{
			BaseURL: opts.WarehouseURL,
			APIKey:  opts.APIKey,
		}, logger))
	}
	if opts.DatabaseURL != "" {
		add(NewDatabaseAdapter(ctx, DatabaseConfig{
			URL: opts.DatabaseURL,
			Key: opts.DatabaseKey,
		}, logger))
	}
	if opts.LogFile != "" {
		add(NewFileAdapter(opts.LogFile))
	}
	if opts.RedisURL != "" {
		add(NewRedisAdapter(ctx, RedisConfig{
			URL:    opts.RedisURL,
			Stream: opts.RedisStream,
		}))
	}
	if opts.AMQPURL != "" {
		add(NewAMQPAdapter(AMQPConfig{
			URL:   opts.AMQPURL,
			Queue: opts.AMQPQueue,
		}))
	}

	if len(errs) > 0 {
		_ = CloseAll(adapters)
		return nil, fmt.Errorf("failed to configure backends: %w", errors.Join(errs...))
	}
	return adapters, nil
}

// CloseAll closes every adapter and joins the errors.
func CloseAll(adapters []Adapter) error {
	var errs []error
	for _, a := range adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}
