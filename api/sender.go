package api

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tack-api/domain"
)

// Activity events ride a bounded worker pool so queue latency never sits on
// the mutation response path. Delivery is best effort: a full buffer falls
// back to an inline send, and an inline failure only logs.
type publishJob struct {
	userID string
	events []domain.Event
}

var (
	once           sync.Once
	jobs           chan publishJob
	workerCount    int
	jobBuf         int
	publishTimeout time.Duration
	handoffTimeout time.Duration
	bg             = context.Background()
	globalPub      Publisher
	globalLog      *log.Logger
	workerWG       sync.WaitGroup
)

// shutdownEventSender stops worker goroutines and clears shared state. It is intended for tests.
func shutdownEventSender() {
	if jobs != nil {
		close(jobs)
		jobs = nil
	}

	workerWG.Wait()
	shutdownEventOutbox()

	globalPub = nil
	globalLog = nil
	workerCount = 0
	jobBuf = 0
	publishTimeout = 0
	handoffTimeout = 0
	once = sync.Once{}
	workerWG = sync.WaitGroup{}
}

func initEventSender(pub Publisher, logger *log.Logger) {
	once.Do(func() {
		globalPub = pub
		if logger == nil {
			panic("Logger is not initialized")
		}
		globalLog = logger

		defWorkers, defBuf := computeWorkerDefaults(0, runtime.NumCPU())
		workerCount = envInt("PUBLISH_WORKERS", defWorkers)
		jobBuf = envInt("PUBLISH_BUFFER", defBuf)
		publishTimeout = envDur("PUBLISH_TIMEOUT", 60*time.Second)
		handoffTimeout = envDur("PUBLISH_HANDOFF_TIMEOUT", 15*time.Millisecond)

		jobs = make(chan publishJob, jobBuf)
		for i := 0; i < workerCount; i++ {
			workerWG.Add(1)
			go worker(i, jobs)
		}
		globalLog.Infof("event sender started, workers: %d, buffer: %d, timeout: %v, handoff: %v", workerCount, jobBuf, publishTimeout, handoffTimeout)

		initEventOutbox(pub, logger)
	})
}

// computeWorkerDefaults sizes the pool from the queue client concurrency and
// the CPU count, clamped so a big host does not spawn an unbounded pool.
func computeWorkerDefaults(queueConcurrency, cpu int) (workers, buffer int) {
	workers = 32
	if byQueue := queueConcurrency * 4; byQueue > workers {
		workers = byQueue
	}
	if byCPU := cpu * 24; byCPU > workers {
		workers = byCPU
	}
	if workers > 192 {
		workers = 192
	}
	return workers, workers * 128
}

func worker(id int, jobCh <-chan publishJob) {
	defer workerWG.Done()
	for j := range jobCh {
		ctx, cancel := context.WithTimeout(bg, publishTimeout)
		err := globalPub.EnqueueEvents(ctx, j.userID, j.events)
		cancel()

		if err != nil {
			globalLog.Errorf("event publish failed, err: %v, user: %s, count: %d, worker: %d", err, j.userID, len(j.events), id)
		}
	}
}

// publish hands events to the sender pool, falling back to an inline send when
// the buffer is saturated.
func publish(c echo.Context, userID string, events ...domain.Event) {
	job := publishJob{userID: userID, events: events}
	if tryPublishJob(job) {
		return
	}
	if spoolJob(job) {
		return
	}

	if globalLog != nil {
		globalLog.Warn("publish buffer saturated; sending inline")
	}
	if globalPub == nil {
		return
	}

	ctx, cancel := context.WithTimeout(bg, publishTimeout)
	defer cancel()
	if err := globalPub.EnqueueEvents(ctx, userID, events); err != nil {
		c.Logger().Errorf("inline event publish failed: %v", err)
	}
}

func tryPublishJob(job publishJob) bool {
	if jobs == nil {
		return false
	}

	if ok, closed := trySendNonBlocking(jobs, job); closed {
		return false
	} else if ok {
		return true
	}

	if handoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(handoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(jobs, job, timer.C)
	if closed {
		return false
	}
	return ok
}

func trySendNonBlocking(ch chan publishJob, job publishJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan publishJob, job publishJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}
