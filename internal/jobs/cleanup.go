package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionPurger deletes sessions that expired before the given instant.
type SessionPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// IntentSweeper drops stale stream intents.
type IntentSweeper interface {
	Sweep() int
}

type CleanupJob struct {
	sessions  SessionPurger
	intents   IntentSweeper
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewCleanupJob(sessions SessionPurger, intents IntentSweeper, retention, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		sessions:  sessions,
		intents:   intents,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("retention", j.retention).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		log.Info().Msg("cleanup job stopped")
	})
}

func (j *CleanupJob) run() {
	defer j.wg.Done()

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
	if j.intents != nil {
		if n := j.intents.Sweep(); n > 0 {
			log.Debug().Int("count", n).Msg("swept stale stream intents")
		}
	}

	if j.sessions == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	before := j.now().Add(-j.retention)
	j.runCleanup(ctx, "expired sessions", func(ctx context.Context) (int64, error) {
		return j.sessions.DeleteExpired(ctx, before)
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
