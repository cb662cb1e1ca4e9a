package batch

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Scheduler drives the attestation lifecycle on two cadences: the batch
// window sweeps new events into a batch, the poll interval pushes pending
// submissions and collects granted attestations.
type Scheduler struct {
	svc          *Service
	window       time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewScheduler(svc *Service, window, pollInterval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		svc:          svc,
		window:       window,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run blocks until ctx is cancelled. Authority trouble is logged and
// retried on the next tick; only cancellation stops the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	formTicker := time.NewTicker(s.window)
	defer formTicker.Stop()
	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-formTicker.C:
			if _, err := s.svc.FormBatch(ctx); err != nil && !errors.Is(err, ErrNoNewEvents) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("batch formation failed", slog.String("error", err.Error()))
				continue
			}
			if err := s.svc.SubmitPending(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("batch submission pass failed", slog.String("error", err.Error()))
			}

		case <-pollTicker.C:
			if err := s.svc.SubmitPending(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("batch submission pass failed", slog.String("error", err.Error()))
				continue
			}
			if err := s.svc.PollSubmitted(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("attestation poll pass failed", slog.String("error", err.Error()))
			}
		}
	}
}
