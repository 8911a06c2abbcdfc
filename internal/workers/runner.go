// Package workers contains the queue consumers behind the ingest pipeline:
// chunk commit, file assembly, video post-processing and the DLQ monitor.
// Each worker is a Runner around a handler function; the Runner owns the
// receive loop, the prefetch window and the ack/retry/dead-letter routing.
package workers

import (
	"context"
	"log"
	"sync"
	"time"

	"video-ingest-api/internal/apperrors"
	"video-ingest-api/internal/bus"
)

// HandlerFunc processes one delivery. A nil return acks; a Fatal error goes
// straight to the DLQ; everything else is nacked into the bounded retry
// flow.
type HandlerFunc func(ctx context.Context, d *bus.Delivery) error

// Runner drives one pipeline's consumer loop. The prefetch window bounds
// in-flight messages per runner so a fast queue cannot flood disk or the
// chunk index.
type Runner struct {
	name     string
	pipeline bus.Pipeline
	bus      bus.Bus
	handler  HandlerFunc
	prefetch int

	ctx      context.Context
	cancel   context.CancelFunc
	loopWg   sync.WaitGroup
	inflight sync.WaitGroup
}

// NewRunner creates a consumer for the pipeline with the given prefetch
// window (minimum 1).
func NewRunner(name string, pipeline bus.Pipeline, b bus.Bus, prefetch int, handler HandlerFunc) *Runner {
	if prefetch < 1 {
		prefetch = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		name:     name,
		pipeline: pipeline,
		bus:      b,
		handler:  handler,
		prefetch: prefetch,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the receive loop.
func (r *Runner) Start() {
	r.loopWg.Add(1)
	go func() {
		defer r.loopWg.Done()
		r.loop()
	}()

	log.Printf("👷 Worker %s started on %s (prefetch %d)", r.name, r.pipeline, r.prefetch)
}

func (r *Runner) loop() {
	sem := make(chan struct{}, r.prefetch)

	for {
		if r.ctx.Err() != nil {
			return
		}

		d, err := r.bus.Receive(r.ctx, r.pipeline)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.Printf("⚠️ Worker %s: receive failed: %v", r.name, err)
			select {
			case <-time.After(time.Second):
			case <-r.ctx.Done():
				return
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-r.ctx.Done():
			// Shutting down mid-receive: put the message back on the retry
			// flow rather than dropping it.
			r.settle(context.Background(), d, apperrors.Transient("shutdown", r.ctx.Err()))
			return
		}

		r.inflight.Add(1)
		go func(d *bus.Delivery) {
			defer func() {
				<-sem
				r.inflight.Done()
			}()
			r.process(d)
		}(d)
	}
}

func (r *Runner) process(d *bus.Delivery) {
	start := time.Now()

	// Drain in-flight work even while shutting down; settlement uses a
	// background context so the ack can still reach the bus.
	err := r.handler(r.ctx, d)

	jobDuration.WithLabelValues(string(r.pipeline)).Observe(time.Since(start).Seconds())
	r.settle(context.Background(), d, err)
}

func (r *Runner) settle(ctx context.Context, d *bus.Delivery, err error) {
	switch {
	case err == nil:
		if ackErr := r.bus.Ack(ctx, d); ackErr != nil {
			log.Printf("⚠️ Worker %s: failed to ack %s: %v", r.name, d.ID, ackErr)
			return
		}
		jobsProcessed.WithLabelValues(string(r.pipeline), "ack").Inc()

	case apperrors.IsFatal(err):
		log.Printf("💀 Worker %s: fatal on %s, dead-lettering: %v", r.name, d.ID, err)
		if dlErr := r.bus.DeadLetter(ctx, d); dlErr != nil {
			log.Printf("⚠️ Worker %s: failed to dead-letter %s: %v", r.name, d.ID, dlErr)
			return
		}
		deadLettered.WithLabelValues(string(r.pipeline)).Inc()
		jobsProcessed.WithLabelValues(string(r.pipeline), "dlq").Inc()

	default:
		log.Printf("⚠️ Worker %s: handler failed on %s (retry %d): %v", r.name, d.ID, d.RetryCount, err)
		if nackErr := r.bus.Nack(ctx, d); nackErr != nil {
			log.Printf("⚠️ Worker %s: failed to nack %s: %v", r.name, d.ID, nackErr)
			return
		}
		if d.RetryCount >= bus.MaxRetries {
			deadLettered.WithLabelValues(string(r.pipeline)).Inc()
			jobsProcessed.WithLabelValues(string(r.pipeline), "dlq").Inc()
		} else {
			jobsProcessed.WithLabelValues(string(r.pipeline), "retry").Inc()
		}
	}
}

// Stop halts the receive loop and waits for in-flight messages to settle.
func (r *Runner) Stop() {
	r.cancel()
	r.loopWg.Wait()
	r.inflight.Wait()
	log.Printf("👷 Worker %s stopped", r.name)
}
