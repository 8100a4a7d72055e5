package rulemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/liamcoop/storagerules/internal/logger"
	"github.com/liamcoop/storagerules/internal/metrics"
	"github.com/liamcoop/storagerules/rules"
)

// minInterval keeps rules without a base interval from spinning
const minInterval = time.Second

// ErrSchedulerStopped is returned when scheduling on a stopped scheduler
var ErrSchedulerStopped = errors.New("scheduler stopped")

// Task is one rule activation
type Task interface {
	RuleID() int64
	Run(ctx context.Context) rules.Outcome
}

// Scheduler runs tasks at a fixed rate, at most Executors at a time
type Scheduler struct {
	sem        chan struct{}
	runTimeout time.Duration
	metrics    *metrics.Metrics
	log        *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewScheduler creates a scheduler; runTimeout bounds each activation, 0 means none
func NewScheduler(executors int, runTimeout time.Duration, m *metrics.Metrics) *Scheduler {
	if executors <= 0 {
		executors = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sem:        make(chan struct{}, executors),
		runTimeout: runTimeout,
		metrics:    m,
		log:        logger.Named("rulemanager.scheduler"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Schedule runs task after delay and then every interval until it returns
// Terminate or the scheduler stops
func (s *Scheduler) Schedule(task Task, delay, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}
	if interval < minInterval {
		interval = minInterval
	}
	if delay < 0 {
		delay = 0
	}

	s.wg.Add(1)
	go s.loop(task, delay, interval)
	s.log.Debug("rule scheduled", "rule_id", task.RuleID(), "delay", delay.String(), "interval", interval.String())
	return nil
}

func (s *Scheduler) loop(task Task, delay, interval time.Duration) {
	defer s.wg.Done()
	s.metrics.ExecutorStarted()
	defer s.metrics.ExecutorStopped()

	next := time.Now().Add(delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		outcome := s.run(task)
		<-s.sem

		if outcome == rules.Terminate {
			s.log.Debug("rule task terminated", "rule_id", task.RuleID())
			return
		}

		// fixed rate; a late activation runs immediately once
		next = next.Add(interval)
		wait := time.Until(next)
		if wait < 0 {
			next = time.Now()
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (s *Scheduler) run(task Task) (outcome rules.Outcome) {
	ctx := s.ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("rule activation panicked", "rule_id", task.RuleID(), "panic", fmt.Sprint(r))
			outcome = rules.Continue
		}
	}()
	return task.Run(ctx)
}

// Stop cancels all tasks and waits for running activations to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
