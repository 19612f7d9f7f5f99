package reconcile

import (
	"context"
	"log"
	"sync"
	"time"
)

// Recorder decouples failure capture from the caller's hot path. Records
// are queued in memory and written by a background worker, so a streaming
// handler never blocks on, or fails because of, a reconciliation write.
// If the queue itself is full the record is logged and dropped; failing
// the user-visible response after the output was already streamed would
// be worse than losing the marker.
type Recorder struct {
	store        Store
	recordChan   chan FailedDeduction
	writeTimeout time.Duration
	wg           sync.WaitGroup
	stopChan     chan struct{}
	logger       *log.Logger
}

// RecorderConfig configures the background recorder.
type RecorderConfig struct {
	QueueSize    int           // buffered records (default: 1024)
	WriteTimeout time.Duration // per-record write deadline (default: 5s)
	Logger       *log.Logger   // optional diagnostics
}

// NewRecorder starts a background writer on top of the given store.
func NewRecorder(store Store, cfg RecorderConfig) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	r := &Recorder{
		store:        store,
		recordChan:   make(chan FailedDeduction, cfg.QueueSize),
		writeTimeout: cfg.WriteTimeout,
		stopChan:     make(chan struct{}),
		logger:       cfg.Logger,
	}
	r.wg.Add(1)
	go r.writer()
	return r
}

func (r *Recorder) writer() {
	defer r.wg.Done()
	for {
		select {
		case fd := <-r.recordChan:
			r.write(fd)
		case <-r.stopChan:
			// Drain whatever is queued before shutting down.
			for {
				select {
				case fd := <-r.recordChan:
					r.write(fd)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(fd FailedDeduction) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	if _, err := r.store.Record(ctx, fd); err != nil {
		if r.logger != nil {
			r.logger.Printf("[ERROR] reconcile: failed to persist deduction failure account=%s cost=%s: %v",
				fd.AccountID, fd.Cost, err)
		}
	}
}

// Record queues a failed deduction for persistence. It never blocks and
// never returns an error to the caller.
func (r *Recorder) Record(fd FailedDeduction) {
	select {
	case r.recordChan <- fd:
	default:
		if r.logger != nil {
			r.logger.Printf("[WARN] reconcile: queue full, dropping failure record account=%s cost=%s endpoint=%s",
				fd.AccountID, fd.Cost, fd.Endpoint)
		}
	}
}

// Close drains the queue and stops the background writer. The underlying
// store is left open; it usually outlives the recorder.
func (r *Recorder) Close() {
	close(r.stopChan)
	r.wg.Wait()
}
