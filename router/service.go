package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/cdcroute/notify"
	"github.com/rs/zerolog/log"
)

const (
	// Default interval between routing passes
	DefaultPollInterval = 500 * time.Millisecond
	// Default initial delay after a failed pass
	DefaultRetryInitial = 100 * time.Millisecond
	// Default cap of the exponential retry delay
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
)

// ServiceConfig configures the polling routing service
type ServiceConfig struct {
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	// Wake cuts the wait between passes short when a change is captured
	Wake <-chan notify.Signal
}

// Passer runs one routing pass over all channels
type Passer interface {
	RoutePass(ctx context.Context) ([]PassResult, error)
}

// Service runs routing passes in the background until stopped. Failed
// passes are retried with exponential backoff; the store transaction of a
// failed pass has already been rolled back by the router.
type Service struct {
	router Passer
	config ServiceConfig

	stopCh      chan struct{}
	doneCh      chan struct{}
	cancel      context.CancelFunc
	running     atomic.Bool
	lifecycleMu sync.Mutex

	resultsMu   sync.RWMutex
	lastResults []PassResult
	lastPassAt  time.Time
	failures    int

	wake <-chan notify.Signal
}

func NewService(router Passer, config ServiceConfig) (*Service, error) {
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier < 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	return &Service{router: router, config: config, wake: config.Wake}, nil
}

// Start launches the routing loop. Calling it twice is a no-op.
func (s *Service) Start() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running.Store(true)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.cancel = cancel

	log.Info().Dur("poll_interval", s.config.PollInterval).Msg("Starting routing service")

	go s.loop(ctx)
}

// Stop cancels an in-flight pass and waits for the loop to exit
func (s *Service) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running.Load() {
		return
	}

	log.Info().Msg("Stopping routing service")

	close(s.stopCh)
	s.cancel()
	<-s.doneCh
	s.running.Store(false)

	log.Info().Msg("Routing service stopped")
}

func (s *Service) Running() bool {
	return s.running.Load()
}

// LastResults returns the results of the most recent pass
func (s *Service) LastResults() []PassResult {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()
	out := make([]PassResult, len(s.lastResults))
	copy(out, s.lastResults)
	return out
}

// LastPassAt returns when the most recent pass finished
func (s *Service) LastPassAt() time.Time {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()
	return s.lastPassAt
}

// ConsecutiveFailures returns how many passes in a row have failed
func (s *Service) ConsecutiveFailures() int {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()
	return s.failures
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.doneCh)

	delay := s.config.RetryInitial
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		results, err := s.router.RoutePass(ctx)
		s.record(results, err)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().
				Err(err).
				Dur("retry_delay", delay).
				Msg("Routing pass failed, retrying")

			if !s.sleep(delay, false) {
				return
			}
			delay = time.Duration(float64(delay) * s.config.RetryMultiplier)
			if delay > s.config.RetryMax {
				delay = s.config.RetryMax
			}
			continue
		}

		delay = s.config.RetryInitial
		if !s.sleep(s.config.PollInterval, true) {
			return
		}
	}
}

func (s *Service) record(results []PassResult, err error) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()

	s.lastResults = results
	s.lastPassAt = time.Now()
	if err != nil {
		s.failures++
	} else {
		s.failures = 0
	}
}

// sleep waits for d, or for a wake signal when wakeable, returning false
// if the service stopped meanwhile
func (s *Service) sleep(d time.Duration, wakeable bool) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var wake <-chan notify.Signal
	if wakeable {
		wake = s.wake
	}

	select {
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	case _, ok := <-wake:
		if !ok {
			s.wake = nil
		}
		return true
	}
}
