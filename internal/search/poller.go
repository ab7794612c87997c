package search

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/crossdisc/internal/gateway"
)

// RunFullSearch starts a search, polls it every poll interval until it
// reaches a terminal status and returns the first page of results.
//
// onProgress, if non-nil, is called synchronously with every observation,
// including the last one. A failed or cancelled task yields a
// *TerminalError. Cancel and Reset stop the loop: Cancel surfaces as a
// cancelled *TerminalError, Reset or a newer StartSearch as
// ErrTaskSuperseded. Polling errors are not retried.
func (s *Store) RunFullSearch(ctx context.Context, cfg gateway.SearchConfig, onProgress func(gateway.Observation)) (gateway.Results, error) {
	start, err := s.StartSearch(ctx, cfg)
	if err != nil {
		return gateway.Results{}, err
	}
	id := start.TaskID

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	gen, ok := s.registerPoll(id, cancel)
	if !ok {
		return gateway.Results{}, ErrTaskSuperseded
	}
	defer s.unregisterPoll(gen)

	for {
		if pollCtx.Err() != nil {
			return gateway.Results{}, s.interrupted(ctx, id, gen)
		}

		obs, err := s.pollTask(pollCtx, id, gen)
		if err != nil {
			if pollCtx.Err() != nil {
				return gateway.Results{}, s.interrupted(ctx, id, gen)
			}
			if errors.Is(err, ErrTaskSuperseded) {
				return gateway.Results{}, err
			}
			return gateway.Results{}, s.failSearch(gen, err)
		}

		if onProgress != nil {
			onProgress(obs)
		}

		status, ok := s.taskStatus(id, gen)
		if !ok {
			return gateway.Results{}, ErrTaskSuperseded
		}
		switch status {
		case gateway.StatusCompleted:
			res, err := s.fetchTask(pollCtx, id, gen, gateway.ResultOptions{})
			if err != nil {
				if pollCtx.Err() != nil {
					return gateway.Results{}, s.interrupted(ctx, id, gen)
				}
				return gateway.Results{}, s.failSearch(gen, err)
			}
			s.logger.Info("search completed", "task_id", id, "chunks", res.Summary.TotalChunks)
			return res, nil
		case gateway.StatusFailed, gateway.StatusCancelled:
			return gateway.Results{}, s.failSearch(gen, &TerminalError{TaskID: id, Status: status})
		}

		if err := s.sleep(pollCtx, s.pollInterval); err != nil {
			return gateway.Results{}, s.interrupted(ctx, id, gen)
		}
	}
}

// registerPoll installs cancel as the stop signal for task id. It fails
// if id is no longer the current task.
func (s *Store) registerPoll(id string, cancel context.CancelFunc) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Task.TaskID != id {
		return 0, false
	}
	if s.stopPoll != nil {
		s.stopPoll()
	}
	s.stopPoll = cancel
	return s.generation, true
}

func (s *Store) unregisterPoll(gen uint64) {
	s.mu.Lock()
	if gen == s.generation {
		s.stopPoll = nil
	}
	s.mu.Unlock()
}

func (s *Store) taskStatus(id string, gen uint64) (gateway.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.currentLocked(id, gen) {
		return "", false
	}
	return s.state.Task.Status, true
}

// interrupted maps a stopped poll loop to the error its caller sees.
func (s *Store) interrupted(ctx context.Context, id string, gen uint64) error {
	status, ok := s.taskStatus(id, gen)
	switch {
	case !ok:
		return ErrTaskSuperseded
	case status == gateway.StatusCancelled:
		return s.failSearch(gen, &TerminalError{TaskID: id, Status: status})
	case ctx.Err() != nil:
		return s.failSearch(gen, ctx.Err())
	}
	return s.failSearch(gen, context.Canceled)
}

// failSearch records err as the search error of generation gen.
func (s *Store) failSearch(gen uint64, err error) error {
	s.mu.Lock()
	if gen == s.generation {
		s.state.IsSearching = false
		s.state.SearchError = err.Error()
	}
	s.mu.Unlock()
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
