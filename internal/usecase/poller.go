package usecase

import (
	"context"
	"time"

	"companion-agent/internal/domain"
)

const (
	defaultPollInterval    = time.Second
	defaultPollMaxAttempts = 30
)

// pollRun drives a remote run to a terminal state: fixed interval, fixed
// attempt ceiling, no backoff. It blocks the current turn for the full
// polling duration; a run that outlives the ceiling keeps running remotely
// with no reconciliation.
func (s *ChatService) pollRun(ctx context.Context, threadID, runID string) error {
	for attempt := 1; attempt <= s.pollMaxAttempts; attempt++ {
		run, err := s.threads.GetRun(ctx, threadID, runID)
		if err != nil {
			return newError(ErrorRemote, "get_run", err)
		}
		switch {
		case run.Status == domain.RunCompleted:
			return nil
		case run.Status.Terminal():
			return newError(ErrorRunFailed, string(run.Status), nil)
		}
		if attempt == s.pollMaxAttempts {
			break
		}
		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return newError(ErrorRunTimeout, "wait_interrupted", err)
		}
	}
	return newError(ErrorRunTimeout, "poll_attempts_exhausted", nil)
}

// sleepWithContext waits for d or until ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
