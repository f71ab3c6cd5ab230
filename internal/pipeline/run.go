package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/example/push-service/internal/queue"
)

const DefaultWorkers = 10

// Run fetches from src and handles up to workers requests concurrently. When
// ctx is cancelled it stops fetching and waits for in-flight requests to reach
// a terminal state. It returns early with an error if a message can be neither
// dead-lettered nor acknowledged; the broker redelivers it.
func (p *Pipeline) Run(ctx context.Context, src queue.Source, workers int) error {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	fetchCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	// In-flight work outlives shutdown so every fetched message is settled.
	workCtx := context.WithoutCancel(ctx)

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, workers)
		fetchErr error
	)

loop:
	for {
		select {
		case sem <- struct{}{}:
		case <-fetchCtx.Done():
			break loop
		}

		d, err := src.Fetch(fetchCtx)
		if err != nil {
			<-sem
			if fetchCtx.Err() == nil && !errors.Is(err, queue.ErrClosed) {
				fetchErr = err
			}
			break
		}

		wg.Add(1)
		go func(d queue.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := p.Handle(workCtx, d.Body); err != nil {
				p.Logger.Error().Err(err).Msg("message left unacknowledged")
				cancel(err)
				return
			}
			if err := d.Ack(workCtx); err != nil {
				p.Logger.Error().Err(err).Msg("acknowledge failed")
				cancel(fmt.Errorf("ack: %w", err))
			}
		}(d)
	}

	wg.Wait()
	if cause := context.Cause(fetchCtx); cause != nil && ctx.Err() == nil {
		return cause
	}
	return fetchErr
}
