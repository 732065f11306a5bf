/*
scheduler.go - Contract expiry sweeper

PURPOSE:
  Periodically stores the expired status on contracts whose validity window
  has ended. Reads already derive the effective status on the fly; the sweep
  makes the stored status, list filters and exports agree with it.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on start
  - A failed sweep is logged and retried on the next tick

CONFIGURATION:
  - Interval: EXPIRY_SWEEP_INTERVAL (default: 1 hour, 0 disables)

USAGE:
  sweeper := NewExpirySweeper(svc.Contracts, time.Hour, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - billing/contract.go: ContractRegistry.ExpireOverdue
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ContractExpirer is the part of the contract registry the sweeper needs.
type ContractExpirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// ExpirySweeper expires overdue contracts on a ticker.
type ExpirySweeper struct {
	Contracts ContractExpirer
	Interval  time.Duration
	Timeout   time.Duration

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirySweeper creates a sweeper. A non-positive interval disables it.
func NewExpirySweeper(contracts ContractExpirer, interval time.Duration, log zerolog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		Contracts: contracts,
		Interval:  interval,
		Timeout:   time.Minute,
		log:       log.With().Str("component", "expiry_sweeper").Logger(),
	}
}

// Start begins the sweeper. Calling Start twice is a no-op.
func (s *ExpirySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.log.Info().Msg("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.Info().Dur("interval", s.Interval).Msg("started")
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info().Msg("stopped")
}

func (s *ExpirySweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow()

	for {
		select {
		case <-ticker.C:
			s.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and returns how many contracts expired.
func (s *ExpirySweeper) RunNow() int {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	start := time.Now()
	n, err := s.Contracts.ExpireOverdue(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep failed")
		return 0
	}
	s.log.Debug().Int("expired", n).Dur("took", time.Since(start)).Msg("sweep completed")
	return n
}
