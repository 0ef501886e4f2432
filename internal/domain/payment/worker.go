package payment

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Worker periodically reconciles open orders past their expiry so payments
// whose callback never arrived still settle, and abandoned orders get closed.
type Worker struct {
	service  *Service
	interval time.Duration
	stopCh   chan struct{}
}

// NewWorker creates a reconciliation worker
func NewWorker(service *Service, interval time.Duration) *Worker {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return &Worker{
		service:  service,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background worker
func (w *Worker) Start() {
	log.Info().Dur("interval", w.interval).Msg("Starting payment reconciliation worker")
	go w.loop()
}

// Stop gracefully stops the background worker
func (w *Worker) Stop() {
	log.Info().Msg("Stopping payment reconciliation worker")
	close(w.stopCh)
}

func (w *Worker) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	w.sweep()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	settled, err := w.service.Reconcile(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Order reconciliation sweep failed")
		return
	}
	if settled > 0 {
		log.Info().Int("count", settled).Msg("Reconciled expired payment orders")
	}
}
