package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	adhoc "YoloDataAug/Adhoc"
	"YoloDataAug/logger"
	"YoloDataAug/monitor"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("job runner closed")

type job struct {
	status Status
	done   chan Status
}

// Runner serializes dataset runs on one worker goroutine so that no two
// runs touch a tree at the same time.
type Runner struct {
	exec     Executor
	notifier *adhoc.Notifier
	log      *zap.Logger

	jobQueue     chan *job
	RestartDelay time.Duration

	mu      sync.RWMutex
	jobs    map[string]*job
	current string

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// NewRunner starts the worker. notifier may be nil.
func NewRunner(exec Executor, notifier *adhoc.Notifier, queueSize int, log *zap.Logger) *Runner {
	if queueSize <= 0 {
		queueSize = 1
	}
	r := &Runner{
		exec:         exec,
		notifier:     notifier,
		log:          log,
		jobQueue:     make(chan *job, queueSize),
		RestartDelay: time.Second,
		jobs:         make(map[string]*job),
	}
	r.wg.Add(1)
	go r.runWorker()
	return r
}

func (r *Runner) logger() *zap.Logger {
	return logger.Or(r.log)
}

// Submit queues req. The returned channel receives the final status once.
// Submit blocks while the queue is full.
func (r *Runner) Submit(req Request) (string, <-chan Status, error) {
	if err := req.normalize(); err != nil {
		return "", nil, err
	}
	j := &job{
		status: Status{
			ID:      uuid.NewString(),
			Request: req,
			State:   StateQueued,
			Created: time.Now(),
		},
		done: make(chan Status, 1),
	}

	// closeMu is held across the send so Close cannot close the queue under it
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return "", nil, ErrClosed
	}
	r.mu.Lock()
	r.jobs[j.status.ID] = j
	r.mu.Unlock()
	r.jobQueue <- j

	r.logger().Info("job queued", zap.String("id", j.status.ID), zap.String("kind", string(req.Kind)), zap.String("source", req.Source))
	return j.status.ID, j.done, nil
}

// Run submits req and waits for it, or for ctx.
func (r *Runner) Run(ctx context.Context, req Request) (Status, error) {
	id, done, err := r.Submit(req)
	if err != nil {
		return Status{}, err
	}
	select {
	case st := <-done:
		return st, nil
	case <-ctx.Done():
		st, _ := r.Get(id)
		return st, ctx.Err()
	}
}

func (r *Runner) Get(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Status{}, false
	}
	return j.status, true
}

// List returns every known job, oldest first.
func (r *Runner) List() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.status)
	}
	r.mu.RUnlock()
	sort.SliceStable(out, func(a, b int) bool { return out[a].Created.Before(out[b].Created) })
	return out
}

// Close stops accepting jobs and waits for the queued ones to finish.
func (r *Runner) Close() {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return
	}
	r.closed = true
	close(r.jobQueue)
	r.closeMu.Unlock()
	r.wg.Wait()
}

func (r *Runner) runWorker() {
	defer r.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			r.logger().Error("worker panic, restarting", zap.Any("panic", p), zap.Duration("delay", r.RestartDelay))
			r.finishCurrent(fmt.Errorf("worker panic: %v", p), nil)
			r.wg.Add(1)
			go func() {
				time.Sleep(r.RestartDelay)
				r.runWorker()
			}()
		}
	}()
	r.logger().Info("job worker started")
	for j := range r.jobQueue {
		r.start(j)
		outcome, err := r.exec.Execute(j.status.Request)
		r.finishCurrent(err, &outcome)
	}
	r.logger().Info("job worker stopped")
}

func (r *Runner) start(j *job) {
	r.mu.Lock()
	j.status.State = StateRunning
	j.status.Started = time.Now()
	r.current = j.status.ID
	r.mu.Unlock()
	r.logger().Info("job started", zap.String("id", j.status.ID), zap.String("kind", string(j.status.Request.Kind)))
}

// finishCurrent records the outcome of the running job, updates metrics,
// reports it and releases its waiter.
func (r *Runner) finishCurrent(err error, outcome *Outcome) {
	r.mu.Lock()
	j, ok := r.jobs[r.current]
	r.current = ""
	if !ok {
		r.mu.Unlock()
		return
	}
	st := &j.status
	st.Finished = time.Now()
	if outcome != nil {
		st.Result = outcome.Result
		st.Summaries = outcome.Summaries
	}
	if err != nil {
		st.State = StateFailed
		st.Error = err.Error()
	} else {
		st.State = StateDone
	}
	final := *st
	r.mu.Unlock()

	outcomeLabel := "ok"
	if err != nil {
		outcomeLabel = "failed"
		r.logger().Error("job failed", zap.String("id", final.ID), zap.String("kind", string(final.Request.Kind)), zap.Error(err))
	} else {
		r.logger().Info("job finished", zap.String("id", final.ID), zap.String("kind", string(final.Request.Kind)),
			zap.Duration("took", final.Finished.Sub(final.Started)))
	}
	monitor.Runs.WithLabelValues(string(final.Request.Kind), outcomeLabel).Inc()
	r.report(final)
	j.done <- final
}

func (r *Runner) report(st Status) {
	if !r.notifier.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), adhoc.TimeOutSeconds*time.Second)
	defer cancel()
	summary := make(map[string]any, len(st.Summaries))
	for _, s := range st.Summaries {
		summary[s.Root] = s.Counts
	}
	_ = r.notifier.Report(ctx, adhoc.RunReport{
		JobID:    st.ID,
		Kind:     string(st.Request.Kind),
		Source:   st.Request.Source,
		Dest:     st.Request.Dest,
		Success:  st.State == StateDone,
		Error:    st.Error,
		Started:  st.Started,
		Finished: st.Finished,
		Result:   st.Result,
		Summary:  summary,
	})
}
