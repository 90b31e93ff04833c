package streamsync

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/golang/glog"
)

var (
	ErrPoolClosed    = errors.New("worker pool closed")
	ErrSubmitTimeout = errors.New("worker pool submit timed out")
	ErrResultTimeout = errors.New("worker task timed out")
)

type WorkerPoolSettings struct {
	// fixed number of workers, at least one
	WorkerCount    int
	TaskBufferSize int
}

func DefaultWorkerPoolSettings() *WorkerPoolSettings {
	workerCount := runtime.NumCPU() / 2
	if workerCount < 1 {
		workerCount = 1
	}
	return &WorkerPoolSettings{
		WorkerCount:    workerCount,
		TaskBufferSize: 32,
	}
}

type taskResult struct {
	value any
	err   error
}

type workerTask struct {
	run    func() (any, error)
	result chan taskResult
}

// A WorkerPool runs tasks on a fixed set of goroutines so decode and
// decompress work never runs on the caller's goroutine. The interface is
// request/response with a timeout; there is no other coupling to the caller.
type WorkerPool struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *WorkerPoolSettings

	tasks chan *workerTask
}

func NewWorkerPoolWithDefaults() *WorkerPool {
	return NewWorkerPool(DefaultWorkerPoolSettings())
}

func NewWorkerPool(settings *WorkerPoolSettings) *WorkerPool {
	cancelCtx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		tasks:    make(chan *workerTask, settings.TaskBufferSize),
	}
	for i := 0; i < settings.WorkerCount; i += 1 {
		go pool.run(i)
	}
	return pool
}

func (self *WorkerPool) run(workerIndex int) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case task, ok := <-self.tasks:
			if !ok {
				return
			}
			value, err := self.runOne(workerIndex, task)
			task.result <- taskResult{value: value, err: err}
		}
	}
}

func (self *WorkerPool) runOne(workerIndex int, task *workerTask) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[w]%d task panic = %v\n", workerIndex, r)
			err = fmt.Errorf("worker task panic: %v", r)
		}
	}()
	return task.run()
}

// Submit runs `task` on the pool and waits up to `timeout` for the result.
// A timeout abandons the result; the worker still finishes the task.
func (self *WorkerPool) Submit(task func() (any, error), timeout time.Duration) (any, error) {
	t := &workerTask{
		run:    task,
		result: make(chan taskResult, 1),
	}

	if timeout < 0 {
		select {
		case <-self.ctx.Done():
			return nil, ErrPoolClosed
		case self.tasks <- t:
		}
	} else {
		enqueueTimeout := time.After(timeout)
		select {
		case <-self.ctx.Done():
			return nil, ErrPoolClosed
		case self.tasks <- t:
		case <-enqueueTimeout:
			return nil, ErrSubmitTimeout
		}
	}

	if timeout < 0 {
		select {
		case <-self.ctx.Done():
			return nil, ErrPoolClosed
		case result := <-t.result:
			return result.value, result.err
		}
	}
	select {
	case <-self.ctx.Done():
		return nil, ErrPoolClosed
	case result := <-t.result:
		return result.value, result.err
	case <-time.After(timeout):
		return nil, ErrResultTimeout
	}
}

// Terminate stops the workers. Only call at process teardown; sessions share
// the pool via RetainSharedPool and never terminate it on their own close.
func (self *WorkerPool) Terminate() {
	self.cancel()
}

// The shared pool is a process-wide singleton whose lifetime spans the
// session, not any single consumer mount/unmount. It lazily initializes on
// first retain and survives rapid retain/release cycles because release only
// stops it when the count reaches zero.
var sharedPoolMutex sync.Mutex
var sharedPool *WorkerPool
var sharedPoolRefCount int

func RetainSharedPool() *WorkerPool {
	sharedPoolMutex.Lock()
	defer sharedPoolMutex.Unlock()

	if sharedPool == nil {
		sharedPool = NewWorkerPoolWithDefaults()
	}
	sharedPoolRefCount += 1
	return sharedPool
}

func ReleaseSharedPool() {
	sharedPoolMutex.Lock()
	defer sharedPoolMutex.Unlock()

	if sharedPoolRefCount == 0 {
		return
	}
	sharedPoolRefCount -= 1
	if sharedPoolRefCount == 0 && sharedPool != nil {
		sharedPool.Terminate()
		sharedPool = nil
	}
}
