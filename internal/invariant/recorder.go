package invariant

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrDrainTimeout is returned by Close when background work outlives the
// drain timeout. The work keeps running.
var ErrDrainTimeout = errors.New("background work still running after drain timeout")

const taskTimeout = 2 * time.Minute

// Recorder runs epitaph extraction, journal sync and volume snapshots in the
// background with bounded concurrency. Submitters never wait for results.
type Recorder struct {
	extractor *Extractor
	store     *Store
	syncer    *JournalSyncer
	logger    *zap.Logger
	metrics   *Metrics

	sem   *semaphore.Weighted
	group errgroup.Group
	ctx   context.Context
	drain time.Duration

	mu       sync.Mutex
	closed   bool
	recorded map[string]bool
}

// NewRecorder creates a recorder. syncer may be nil.
func NewRecorder(extractor *Extractor, store *Store, syncer *JournalSyncer, cfg config.InvariantConfig, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = config.Default().Invariant.Workers
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = config.Default().Invariant.DrainTimeout
	}
	return &Recorder{
		extractor: extractor,
		store:     store,
		syncer:    syncer,
		logger:    logger,
		metrics:   NewMetrics(logger),
		sem:       semaphore.NewWeighted(int64(workers)),
		ctx:       context.Background(),
		drain:     drain,
		recorded:  make(map[string]bool),
	}
}

// Record schedules extraction of f. Each failure code is extracted at most
// once per recorder; it reports false for a repeated code or when the
// recorder is closed.
func (r *Recorder) Record(f Failure) bool {
	r.mu.Lock()
	if r.recorded[f.FailureCode] {
		r.mu.Unlock()
		r.logger.Debug("failure code already recorded", zap.String("failure_code", f.FailureCode))
		return false
	}
	r.recorded[f.FailureCode] = true
	r.mu.Unlock()

	ok := r.submit("extract", func(ctx context.Context) error {
		id, err := r.extractor.Process(ctx, f)
		if err != nil {
			return err
		}
		r.logger.Info("failure recorded as epitaph",
			zap.String("failure_code", f.FailureCode),
			zap.String("epitaph_id", id),
		)
		return nil
	})
	if !ok {
		r.mu.Lock()
		delete(r.recorded, f.FailureCode)
		r.mu.Unlock()
	}
	return ok
}

// Recorded returns the failure codes submitted so far.
func (r *Recorder) Recorded() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.recorded))
	for k, v := range r.recorded {
		out[k] = v
	}
	return out
}

// Snapshot schedules a volume snapshot.
func (r *Recorder) Snapshot() bool {
	return r.submit("snapshot", func(ctx context.Context) error {
		_, err := r.store.VolumeSnapshot(ctx)
		return err
	})
}

// Sync schedules a journal sync of path.
func (r *Recorder) Sync(path string) bool {
	if r.syncer == nil {
		return false
	}
	return r.submit("sync", func(ctx context.Context) error {
		_, err := r.syncer.Sync(ctx, path)
		return err
	})
}

func (r *Recorder) submit(task string, fn func(context.Context) error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.metrics.recordDropped(r.ctx, task)
		return false
	}
	r.group.Go(func() error {
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			return nil
		}
		defer r.sem.Release(1)

		ctx, cancel := context.WithTimeout(r.ctx, taskTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Warn("background task failed", zap.String("task", task), zap.Error(err))
		}
		return nil
	})
	return true
}

// Close stops accepting work and waits up to the drain timeout for running
// tasks. Tasks still running after that are abandoned, not cancelled.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = r.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(r.drain):
		r.logger.Warn("abandoning background work", zap.Duration("drain_timeout", r.drain))
		return ErrDrainTimeout
	}
}
