package learning

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/collabcore/types"
)

// RetryConfig defines retry behavior for episode persistence.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration: 3 retries
// with exponential backoff 1s/2s/4s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff calculates the backoff duration for a retry attempt.
func (c RetryConfig) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialBackoff
	}
	backoff := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if backoff > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return backoff
}

// Config holds configuration for the episode recorder.
type Config struct {
	// QueueSize bounds the number of episodes waiting to be persisted.
	// When the queue is full, Record drops the episode rather than block.
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// WritesPerSecond throttles persistence attempts. Zero disables the
	// throttle.
	WritesPerSecond float64 `json:"writes_per_second" yaml:"writes_per_second"`

	// Retry configures persistence retries.
	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:       256,
		WritesPerSecond: 50,
		Retry:           DefaultRetryConfig(),
	}
}

// Stats is a point-in-time view of recorder activity.
type Stats struct {
	Enqueued   uint64 `json:"enqueued"`
	Persisted  uint64 `json:"persisted"`
	Duplicates uint64 `json:"duplicates"`
	Dropped    uint64 `json:"dropped"`
	Failed     uint64 `json:"failed"`
}

// Recorder persists episodes asynchronously. Recording never blocks the
// caller: episodes go onto a bounded queue and a background worker writes
// them with retries. A full queue or an exhausted retry budget loses the
// episode, never the task.
type Recorder struct {
	store   EpisodeStore
	config  Config
	logger  *zap.Logger
	limiter *rate.Limiter

	queue chan *types.LearningEvent

	mu     sync.Mutex
	stats  Stats
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRecorder creates and starts an episode recorder.
func NewRecorder(store EpisodeStore, config Config, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.Retry.MaxRetries == 0 && config.Retry.InitialBackoff == 0 {
		config.Retry = DefaultRetryConfig()
	}

	var limiter *rate.Limiter
	if config.WritesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.WritesPerSecond), 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		store:   store,
		config:  config,
		logger:  logger.With(zap.String("component", "episode_recorder")),
		limiter: limiter,
		queue:   make(chan *types.LearningEvent, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues an episode for persistence. It validates synchronously
// and never blocks: a full queue drops the episode with a warning.
func (r *Recorder) Record(event *types.LearningEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.RecordedAt.IsZero() {
		event.RecordedAt = time.Now()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return types.NewError(types.ErrStoreClosed, "episode recorder is closed")
	}

	select {
	case r.queue <- event:
		r.stats.Enqueued++
		r.mu.Unlock()
		return nil
	default:
		r.stats.Dropped++
		r.mu.Unlock()
		r.logger.Warn("episode queue full, dropping record",
			zap.String("task_id", event.TaskID),
			zap.String("episode_id", event.EpisodeID),
		)
		return nil
	}
}

// Stats returns a snapshot of recorder counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close stops the recorder after draining the queue.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.queue)
		r.wg.Wait()
		r.cancel()
	})
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for event := range r.queue {
		r.persist(event)
	}
}

func (r *Recorder) persist(event *types.LearningEvent) {
	if r.limiter != nil {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return
		}
	}

	var lastErr error
	for attempt := 0; attempt <= r.config.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.config.Retry.CalculateBackoff(attempt - 1)):
			case <-r.ctx.Done():
				return
			}
		}

		err := r.store.Save(r.ctx, event)
		if err == nil {
			r.mu.Lock()
			r.stats.Persisted++
			r.mu.Unlock()
			return
		}
		if types.IsCode(err, types.ErrEpisodeDuplicate) {
			// Write-once: a concurrent or repeated record for the same
			// episode is not an error worth retrying.
			r.mu.Lock()
			r.stats.Duplicates++
			r.mu.Unlock()
			return
		}
		lastErr = err
		if !types.IsRetryable(err) {
			break
		}
	}

	r.mu.Lock()
	r.stats.Failed++
	r.mu.Unlock()
	r.logger.Error("episode persistence failed",
		zap.String("task_id", event.TaskID),
		zap.String("episode_id", event.EpisodeID),
		zap.Error(lastErr),
	)
}
