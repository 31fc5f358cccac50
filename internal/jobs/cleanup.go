package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/olympic/session-gateway/internal/clock"
	"github.com/olympic/session-gateway/internal/config"
	"github.com/olympic/session-gateway/internal/metrics"
	"github.com/olympic/session-gateway/internal/repository"
)

// CleanupJob is the eager half of session expiry. Reads already delete
// expired rows they touch; this sweeps the ones nobody revisits.
type CleanupJob struct {
	sessionRepo    repository.SessionRepository
	orderRepo      repository.OrderRepository
	clock          clock.Clock
	orderRetention time.Duration
	interval       time.Duration
	done           chan struct{}
}

func NewCleanupJob(
	sessionRepo repository.SessionRepository,
	orderRepo repository.OrderRepository,
	clk clock.Clock,
	orderRetention time.Duration,
	interval time.Duration,
) *CleanupJob {
	return &CleanupJob{
		sessionRepo:    sessionRepo,
		orderRepo:      orderRepo,
		clock:          clk,
		orderRetention: orderRetention,
		interval:       interval,
		done:           make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), config.CleanupRunTimeout)
	defer cancel()

	now := j.clock.Now()
	j.runCleanup(ctx, "sessions", func(ctx context.Context) (int64, error) {
		return j.sessionRepo.DeleteExpired(ctx, now)
	})
	if j.orderRepo != nil && j.orderRetention > 0 {
		j.runCleanup(ctx, "orders", func(ctx context.Context) (int64, error) {
			return j.orderRepo.DeleteStale(ctx, now.Add(-j.orderRetention))
		})
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
		return
	}
	if count > 0 {
		metrics.ReapedTotal.WithLabelValues(name).Add(float64(count))
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
