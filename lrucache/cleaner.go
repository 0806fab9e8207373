/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/xid"

	"github.com/acronis/go-lrucache/log"
)

// Sweeper removes expired entries and reports how many were removed.
// Both LRUCache and ShardedLRUCache implement it.
type Sweeper interface {
	RemoveExpired() int
}

// PeriodicCleaner periodically sweeps expired entries from a cache.
// Without it, an entry whose TTL has elapsed keeps occupying a capacity slot
// until it is accessed. It's supposed to be run in a separate goroutine:
//
//	go cleaner.Run(ctx)
type PeriodicCleaner struct {
	sweeper      Sweeper
	logger       log.FieldLogger
	interval     time.Duration
	initialDelay time.Duration
}

// PeriodicCleanerOpts contains optional parameters for constructing PeriodicCleaner.
type PeriodicCleanerOpts struct {
	// InitialDelay postpones the first sweep. Zero means sweeping starts
	// one interval after Run is called.
	InitialDelay time.Duration
}

// NewPeriodicCleaner creates a new PeriodicCleaner that sweeps the provided cache
// with the provided interval. Logger may be nil, in this case, logging will be disabled.
func NewPeriodicCleaner(sweeper Sweeper, interval time.Duration, logger log.FieldLogger) (*PeriodicCleaner, error) {
	return NewPeriodicCleanerWithOpts(sweeper, interval, logger, PeriodicCleanerOpts{})
}

// NewPeriodicCleanerWithOpts creates a new PeriodicCleaner
// with an ability to specify different optional parameters.
func NewPeriodicCleanerWithOpts(
	sweeper Sweeper, interval time.Duration, logger log.FieldLogger, opts PeriodicCleanerOpts,
) (*PeriodicCleaner, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be greater than 0")
	}
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &PeriodicCleaner{
		sweeper:      sweeper,
		logger:       logger.With(log.String("cleaner_id", xid.New().String())),
		interval:     interval,
		initialDelay: opts.InitialDelay,
	}, nil
}

// Run runs the cleanup loop until ctx is done.
func (pc *PeriodicCleaner) Run(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			const logStackSize = 8192
			stack := make([]byte, logStackSize)
			stack = stack[:runtime.Stack(stack, false)]
			pc.logger.Error(fmt.Sprintf("panic: %+v", p), log.Bytes("stack", stack))
			panic(p)
		}
	}()

	pc.logger.Info("running periodic cache cleanup",
		log.Duration("interval", pc.interval), log.Duration("initial_delay", pc.initialDelay))

	delay := pc.initialDelay
	if delay <= 0 {
		delay = pc.interval
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			pc.logger.Info("periodic cache cleanup stopped")
			return
		case <-timer.C:
		}

		start := time.Now()
		removed := pc.sweeper.RemoveExpired()
		pc.logger.Debug("expired cache entries swept",
			log.Int("removed", removed), log.Duration("elapsed", time.Since(start)))

		timer.Stop()
		timer = time.NewTimer(pc.interval)
	}
}
