package scheduler

import (
	"context"
	"sync"

	"github.com/onemorebsmith/strk-claimer/src/metrics"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Task processes one account. A returned error cancels the rest of the batch.
type Task func(ctx context.Context, acct *model.Account, slot *Slot) error

// Scheduler dispatches one task per account in order with at most limit
// tasks holding a slot at any time.
type Scheduler struct {
	limit  int64
	sem    *semaphore.Weighted
	logger *zap.Logger

	lock      sync.Mutex
	active    int64
	maxActive int64
}

type Result struct {
	Dispatched int
	MaxActive  int64
}

func New(limit int, logger *zap.Logger) *Scheduler {
	if limit < 1 {
		limit = 1
	}
	return &Scheduler{
		limit:  int64(limit),
		sem:    semaphore.NewWeighted(int64(limit)),
		logger: logger.Named("scheduler"),
	}
}

func (s *Scheduler) enter() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	metrics.TasksInFlight.Inc()
}

func (s *Scheduler) leave() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.active--
	metrics.TasksInFlight.Dec()
}

// Active is the number of tasks currently holding a slot.
func (s *Scheduler) Active() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.active
}

// Run blocks until every dispatched task returned. Dispatch stops early when
// ctx is cancelled or a task fails; accounts not reached by then are not run.
func (s *Scheduler) Run(ctx context.Context, accounts []*model.Account, task Task) (Result, error) {
	s.logger.Info("dispatching accounts", zap.Int("accounts", len(accounts)), zap.Int64("threads", s.limit))
	g, gctx := errgroup.WithContext(ctx)
	res := Result{}
	for _, acct := range accounts {
		if err := s.sem.Acquire(gctx, 1); err != nil {
			s.logger.Warn("dispatch stopped", zap.Int("dispatched", res.Dispatched), zap.Int("remaining", len(accounts)-res.Dispatched))
			break
		}
		s.enter()
		slot := &Slot{sched: s, held: true}
		acct := acct
		res.Dispatched++
		g.Go(func() error {
			defer slot.release()
			return task(gctx, acct, slot)
		})
	}
	err := g.Wait()

	s.lock.Lock()
	res.MaxActive = s.maxActive
	s.lock.Unlock()
	if err == nil {
		err = ctx.Err()
	}
	return res, err
}

// Slot is a task's claim on the concurrency limit. A suspended task gives it
// back so other accounts keep moving.
type Slot struct {
	sched *Scheduler
	lock  sync.Mutex
	held  bool
}

func (sl *Slot) release() {
	sl.lock.Lock()
	defer sl.lock.Unlock()
	if !sl.held {
		return
	}
	sl.held = false
	sl.sched.leave()
	sl.sched.sem.Release(1)
}

func (sl *Slot) Suspend() {
	sl.release()
}

// Resume waits for a free slot again.
func (sl *Slot) Resume(ctx context.Context) error {
	sl.lock.Lock()
	defer sl.lock.Unlock()
	if sl.held {
		return nil
	}
	if err := sl.sched.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "failed reacquiring scheduler slot")
	}
	sl.held = true
	sl.sched.enter()
	return nil
}
