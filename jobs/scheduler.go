package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/iapkit/core"
)

const (
	DefaultSpec    = "@every 1h"
	DefaultTimeout = 10 * time.Minute
)

// Refresher runs one refresh cycle over stale users (core.Service).
type Refresher interface {
	RefreshAll(ctx context.Context) (core.RefreshReport, error)
}

// Scheduler runs Refresher.RefreshAll on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	svc     Refresher
	spec    string
	timeout time.Duration
	log     logrus.FieldLogger

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

type SchedulerOpt func(*Scheduler)

func WithSpec(spec string) SchedulerOpt {
	return func(s *Scheduler) {
		if spec != "" {
			s.spec = spec
		}
	}
}

func WithTimeout(d time.Duration) SchedulerOpt {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l logrus.FieldLogger) SchedulerOpt {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func NewScheduler(svc Refresher, opts ...SchedulerOpt) *Scheduler {
	s := &Scheduler{svc: svc, spec: DefaultSpec, timeout: DefaultTimeout, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the refresh job and starts the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("jobs: scheduler already started")
	}
	logger := cron.PrintfLogger(s.log)
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if _, err := c.AddFunc(s.spec, func() { _, _ = s.RunOnce(s.ctx) }); err != nil {
		s.cancel()
		return err
	}
	c.Start()
	s.cron = c
	s.started = true
	s.log.WithField("spec", s.spec).Info("iapkit: refresh scheduler started")
	return nil
}

// Stop cancels a running cycle and waits for it to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs one bounded refresh cycle.
func (s *Scheduler) RunOnce(ctx context.Context) (core.RefreshReport, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	report, err := s.svc.RefreshAll(runCtx)
	log := s.log.WithFields(logrus.Fields{
		"checked":   report.Checked,
		"refreshed": report.Refreshed,
		"failed":    report.Failed,
		"took":      time.Since(start).String(),
	})
	if err != nil {
		log.WithError(err).Error("iapkit: refresh cycle failed")
		return report, err
	}
	if report.Checked > 0 {
		log.Info("iapkit: refresh cycle finished")
	}
	return report, nil
}
