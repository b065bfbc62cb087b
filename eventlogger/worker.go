package eventlogger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Worker saves events to a Sink on a background goroutine so callers never
// wait on the sink. Events that do not fit in the buffer are dropped and
// counted.
type Worker struct {
	eventCh chan Event
	sink    Sink
	logger  *slog.Logger
	dropped atomic.Int64
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewWorker(sink Sink, bufferSize int) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		eventCh: make(chan Event, bufferSize),
		sink:    sink,
		logger:  slog.Default().With("component", "eventlogger"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.ctx.Done():
				w.logger.Info("draining events before shutdown", "remaining_events", len(w.eventCh))
				for len(w.eventCh) > 0 {
					w.save(context.Background(), <-w.eventCh)
				}
				return
			case event := <-w.eventCh:
				// w.ctx only stops the loop; it may already be cancelled here.
				w.save(context.Background(), event)
			}
		}
	}()
}

func (w *Worker) save(ctx context.Context, event Event) {
	if err := w.sink.Save(ctx, event); err != nil {
		w.logger.Error("failed to save event", "error", err, "event_type", event.Type, "aggregate_id", event.AggregateID)
	}
}

func (w *Worker) Log(event Event) {
	select {
	case w.eventCh <- event:
	default:
		w.dropped.Add(1)
		w.logger.Warn("event channel full, dropping event", "event_type", event.Type)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (w *Worker) Dropped() int64 {
	return w.dropped.Load()
}

// Shutdown stops the worker after saving every buffered event. Log must not
// be called afterwards.
func (w *Worker) Shutdown() {
	w.cancel()
	w.wg.Wait()
}
