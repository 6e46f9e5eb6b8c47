package compaction

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vladgaus/lsmkv/pkg/errors"
	"github.com/vladgaus/lsmkv/pkg/logging"
	"github.com/vladgaus/lsmkv/pkg/manifest"
)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Strategy  Strategy
	Compactor *Compactor
	Versions  *manifest.VersionSet

	// Workers bounds concurrent tasks (default: 1)
	Workers int

	// Failed tasks are retried after an exponential backoff between
	// RetryInitial and RetryMax (defaults: 100ms, 10s).
	RetryInitial time.Duration
	RetryMax     time.Duration

	// ManualRetries bounds attempts per level of a manual compaction
	// (default: 3).
	ManualRetries uint64

	Logger *zap.Logger

	// OnDone is called after every task, from any goroutine.
	OnDone func(*Result, error)

	// OnFatal is called once when a task could not write the manifest.
	// No task is scheduled afterwards.
	OnFatal func(error)
}

// Scheduler runs compactions in the background.
//
// A single goroutine owns all scheduling state. It receives triggers,
// manual requests and task results over channels, picks tasks whose level
// pair is free and hands them to workers bounded by a weighted semaphore.
type Scheduler struct {
	opts   SchedulerOptions
	logger *zap.Logger
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	trigger chan struct{}
	manual  chan *manualRequest
	done    chan taskDone
	quit    chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup

	// Owned by the loop goroutine.
	busy          [manifest.MaxLevels]bool
	coolUntil     [manifest.MaxLevels]time.Time
	backoffs      [manifest.MaxLevels]*backoff.ExponentialBackOff
	running       int
	pendingManual []*manualRequest
	manualActive  bool
	fatal         bool
}

type manualRequest struct {
	reply chan error
}

type taskDone struct {
	task   *Task
	result *Result
	err    error
	manual *manualRequest
}

// NewScheduler creates a Scheduler. Call Start to run it.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 100 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryInitial {
		opts.RetryMax = max(10*time.Second, opts.RetryInitial)
	}
	if opts.ManualRetries == 0 {
		opts.ManualRetries = 3
	}
	if opts.OnDone == nil {
		opts.OnDone = func(*Result, error) {}
	}
	if opts.OnFatal == nil {
		opts.OnFatal = func(error) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).Named("compaction"),
		sem:     semaphore.NewWeighted(int64(opts.Workers)),
		ctx:     ctx,
		cancel:  cancel,
		trigger: make(chan struct{}, 1),
		manual:  make(chan *manualRequest),
		done:    make(chan taskDone, opts.Workers+1),
		quit:    make(chan struct{}),
	}
}

// Start launches the scheduling goroutine and evaluates the triggers once.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.Trigger()
}

// Trigger asks the scheduler to re-evaluate the levels. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// CompactAll waits for running tasks, then compacts every level into the
// next one down to the deepest populated level.
func (s *Scheduler) CompactAll(ctx context.Context) error {
	req := &manualRequest{reply: make(chan error, 1)}
	select {
	case s.manual <- req:
	case <-s.quit:
		return errors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels running tasks and waits for every goroutine to exit.
// Cancelled tasks leave no trace; their levels are picked again on the
// next open.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.cancel()
	})
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			s.drain()
			return
		case <-s.trigger:
			s.schedule()
		case req := <-s.manual:
			s.pendingManual = append(s.pendingManual, req)
			s.maybeStartManual()
		case d := <-s.done:
			s.finish(d)
			s.maybeStartManual()
			s.schedule()
		}
	}
}

// drain waits for in-flight work after Stop.
func (s *Scheduler) drain() {
	for s.running > 0 || s.manualActive {
		s.finish(<-s.done)
	}
	for _, req := range s.pendingManual {
		req.reply <- errors.ErrClosed
	}
	s.pendingManual = nil
}

func (s *Scheduler) unavailable(level int) bool {
	if level < 0 || level >= manifest.MaxLevels {
		return true
	}
	return s.busy[level] || time.Now().Before(s.coolUntil[level])
}

func (s *Scheduler) schedule() {
	if s.fatal || s.manualActive || len(s.pendingManual) > 0 {
		return
	}
	select {
	case <-s.quit:
		return
	default:
	}

	for s.sem.TryAcquire(1) {
		v := s.opts.Versions.Current()
		task := s.opts.Strategy.PickCompaction(v, s.opts.Versions.CompactPointer, s.unavailable)
		if task == nil {
			v.Unref()
			s.sem.Release(1)
			return
		}
		s.busy[task.Level] = true
		s.busy[task.TargetLevel] = true
		s.running++
		s.logger.Debug("compaction scheduled", zap.Stringer("task", task))

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// v pins the inputs until the edit is published.
			result, err := s.opts.Compactor.Run(s.ctx, task)
			v.Unref()
			s.sem.Release(1)
			s.opts.OnDone(result, err)
			s.done <- taskDone{task: task, result: result, err: err}
		}()
	}
}

func (s *Scheduler) finish(d taskDone) {
	if d.manual != nil {
		s.manualActive = false
		if d.err != nil && errors.Is(d.err, manifest.ErrWrite) {
			s.setFatal(d.err)
		}
		d.manual.reply <- d.err
		return
	}

	s.running--
	level := d.task.Level
	s.busy[level] = false
	s.busy[d.task.TargetLevel] = false

	if d.err == nil {
		s.levelBackoff(level).Reset()
		s.coolUntil[level] = time.Time{}
		return
	}
	if errors.Is(d.err, manifest.ErrWrite) {
		s.setFatal(d.err)
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	wait := s.levelBackoff(level).NextBackOff()
	if wait == backoff.Stop {
		wait = s.opts.RetryMax
	}
	s.coolUntil[level] = time.Now().Add(wait)
	time.AfterFunc(wait, s.Trigger)
	s.logger.Warn("compaction failed, will retry",
		zap.Int("level", level), zap.Duration("backoff", wait), zap.Error(d.err))
}

func (s *Scheduler) setFatal(err error) {
	if s.fatal {
		return
	}
	s.fatal = true
	s.logger.Error("manifest write failed, compaction stopped", zap.Error(err))
	s.opts.OnFatal(err)
}

func (s *Scheduler) levelBackoff(level int) *backoff.ExponentialBackOff {
	if s.backoffs[level] == nil {
		s.backoffs[level] = s.newBackOff()
	}
	return s.backoffs[level]
}

func (s *Scheduler) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitial
	b.MaxInterval = s.opts.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Scheduler) maybeStartManual() {
	if s.manualActive || s.running > 0 || len(s.pendingManual) == 0 {
		return
	}
	req := s.pendingManual[0]
	s.pendingManual = s.pendingManual[1:]
	if s.fatal {
		req.reply <- errors.ErrFatal
		s.maybeStartManual()
		return
	}

	s.manualActive = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.done <- taskDone{manual: req, err: s.compactAll()}
	}()
}

// compactAll moves every run to the deepest populated level, one level
// at a time. Each level is retried with backoff before giving up.
func (s *Scheduler) compactAll() error {
	v := s.opts.Versions.Current()
	last := max(v.DeepestNonEmpty(), 1)
	v.Unref()

	for level := 0; level < last; level++ {
		b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.opts.ManualRetries), s.ctx)
		err := backoff.Retry(func() error {
			v := s.opts.Versions.Current()
			task := s.opts.Strategy.PickLevel(v, level)
			if task == nil {
				v.Unref()
				return nil
			}
			result, err := s.opts.Compactor.Run(s.ctx, task)
			v.Unref()
			s.opts.OnDone(result, err)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, manifest.ErrWrite), s.ctx.Err() != nil:
				return backoff.Permanent(err)
			}
			s.logger.Warn("manual compaction failed", zap.Int("level", level), zap.Error(err))
			return err
		}, b)
		if err != nil {
			return err
		}
	}
	return nil
}
