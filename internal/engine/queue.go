package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrent = 4

var (
	// ErrNoPriorSyncContext rejects an empty request when nothing was submitted before it.
	ErrNoPriorSyncContext = errors.New("engine: no prior sync context")
	// ErrAlreadySyncing rejects a request for a device that already has an operation running.
	ErrAlreadySyncing = errors.New("engine: device is already syncing")
	// ErrQueueClosed rejects requests after Close.
	ErrQueueClosed = errors.New("engine: queue closed")

	errMissingRunner = errors.New("engine: runner is required")
)

// Runner runs one admitted request to completion.
type Runner interface {
	Run(ctx context.Context, request Request) Result
}

// Callback receives the result of an admitted request.
type Callback func(Result)

// QueueConfig wires a Queue.
type QueueConfig struct {
	Runner Runner
	// Synchronous runs one operation at a time in submission order.
	Synchronous bool
	// MaxConcurrent bounds parallel operations when Synchronous is false.
	MaxConcurrent int64
	Logger        *zap.Logger
}

type job struct {
	request   Request
	callbacks []Callback
}

// Queue admits sync requests and delivers their results through callbacks. In synchronous
// mode a single worker drains jobs in FIFO order and an empty request coalesces into one
// pending replay of the last submitted request.
type Queue struct {
	runner      Runner
	synchronous bool
	limit       *semaphore.Weighted
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    []*job
	replay  *job
	last    *Request
	active  map[string]struct{}
	closed  bool
	signal  chan struct{}
	running sync.WaitGroup
}

// NewQueue validates the configuration and starts the queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Runner == nil {
		return nil, errMissingRunner
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	queue := &Queue{
		runner:      cfg.Runner,
		synchronous: cfg.Synchronous,
		limit:       semaphore.NewWeighted(maxConcurrent),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		active:      make(map[string]struct{}),
		signal:      make(chan struct{}, 1),
	}
	if queue.synchronous {
		queue.running.Add(1)
		go queue.work()
	}
	return queue, nil
}

// Add admits request and calls callback with its result once it finishes. Admission errors
// are returned immediately and the callback is never called for them.
func (queue *Queue) Add(request Request, callback Callback) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if queue.closed {
		return ErrQueueClosed
	}

	replay := false
	if request.IsEmpty() {
		if queue.last == nil {
			return ErrNoPriorSyncContext
		}
		if queue.synchronous && queue.replay != nil {
			queue.replay.callbacks = appendCallback(queue.replay.callbacks, callback)
			return nil
		}
		request = *queue.last
		replay = true
	} else {
		validated, err := request.Validate()
		if err != nil {
			return err
		}
		request = validated
		queue.last = &validated
		// A later empty request must replay this one, not the replay already queued.
		queue.replay = nil
	}

	pending := &job{request: request, callbacks: appendCallback(nil, callback)}
	if queue.synchronous {
		if replay {
			queue.replay = pending
		}
		queue.jobs = append(queue.jobs, pending)
		queue.notify()
		return nil
	}

	deviceID := request.Device.DeviceID
	if _, busy := queue.active[deviceID]; busy {
		return ErrAlreadySyncing
	}
	queue.active[deviceID] = struct{}{}
	queue.running.Add(1)
	go queue.runConcurrent(pending)
	return nil
}

// Submit admits request and waits for its result.
func (queue *Queue) Submit(ctx context.Context, request Request) (Result, error) {
	done := make(chan Result, 1)
	if err := queue.Add(request, func(result Result) { done <- result }); err != nil {
		return Result{}, err
	}
	select {
	case result := <-done:
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close stops admission and waits for admitted work. When ctx ends first, queued work is
// failed with ErrQueueClosed and running operations are cancelled.
func (queue *Queue) Close(ctx context.Context) error {
	queue.mu.Lock()
	if !queue.closed {
		queue.closed = true
		queue.notify()
	}
	queue.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		queue.running.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		queue.cancel()
		return nil
	case <-ctx.Done():
		queue.cancel()
		<-finished
		return ctx.Err()
	}
}

func (queue *Queue) notify() {
	select {
	case queue.signal <- struct{}{}:
	default:
	}
}

func (queue *Queue) work() {
	defer queue.running.Done()
	for {
		next, ok := queue.dequeue()
		if !ok {
			return
		}
		if next == nil {
			<-queue.signal
			continue
		}
		queue.finish(next, queue.run(next.request))
	}
}

// dequeue returns the next job, nil when the queue is idle, and false once it is closed and
// drained.
func (queue *Queue) dequeue() (*job, bool) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.jobs) == 0 {
		return nil, !queue.closed
	}
	next := queue.jobs[0]
	queue.jobs[0] = nil
	queue.jobs = queue.jobs[1:]
	if next == queue.replay {
		queue.replay = nil
	}
	return next, true
}

func (queue *Queue) runConcurrent(pending *job) {
	defer queue.running.Done()
	var result Result
	if err := queue.limit.Acquire(queue.ctx, 1); err != nil {
		result = rejected(pending.request, ErrQueueClosed)
	} else {
		result = queue.run(pending.request)
		queue.limit.Release(1)
	}

	queue.mu.Lock()
	delete(queue.active, pending.request.Device.DeviceID)
	queue.mu.Unlock()
	queue.finish(pending, result)
}

func (queue *Queue) run(request Request) Result {
	if queue.ctx.Err() != nil {
		return rejected(request, ErrQueueClosed)
	}
	return queue.runner.Run(queue.ctx, request)
}

func (queue *Queue) finish(done *job, result Result) {
	queue.logger.Debug("sync request finished",
		zap.String("device_id", done.request.Device.DeviceID),
		zap.String("status", string(result.Status)),
		zap.Int("callbacks", len(done.callbacks)))
	for _, callback := range done.callbacks {
		callback(result)
	}
}

func rejected(request Request, err error) Result {
	now := time.Now()
	return Result{Request: request, Status: StatusFailed, Err: err, StartedAt: now, FinishedAt: now}
}

func appendCallback(callbacks []Callback, callback Callback) []Callback {
	if callback == nil {
		return callbacks
	}
	return append(callbacks, callback)
}
