package api

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"tack-api/domain"
)

func sampleEventBatch() []domain.Event {
	return []domain.Event{{
		ID:         "ev-1",
		BoardID:    "b1",
		EntityID:   "t1",
		EntityType: "task",
		Type:       domain.EventTaskMoved,
		Timestamp:  1700000000000,
	}}
}

func TestTryPublishJobWaitsForCapacity(t *testing.T) {
	shutdownEventSender()
	t.Cleanup(shutdownEventSender)

	jobs = make(chan publishJob, 1)
	handoffTimeout = 50 * time.Millisecond

	jobs <- publishJob{}

	done := make(chan bool, 1)
	go func() {
		done <- tryPublishJob(publishJob{})
	}()

	select {
	case <-done:
		t.Fatal("tryPublishJob returned before capacity was freed")
	case <-time.After(20 * time.Millisecond):
	}

	<-jobs

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected successful handoff after capacity freed")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for handoff completion")
	}
}

func TestTryPublishJobTimesOut(t *testing.T) {
	shutdownEventSender()
	t.Cleanup(shutdownEventSender)

	jobs = make(chan publishJob, 1)
	handoffTimeout = 30 * time.Millisecond

	jobs <- publishJob{}

	if tryPublishJob(publishJob{}) {
		t.Fatal("expected handoff to fail when timeout elapsed")
	}

	select {
	case <-jobs:
	default:
		t.Fatal("expected channel to remain full after timeout")
	}
}

func TestTryPublishJobReturnsFalseWhenClosed(t *testing.T) {
	shutdownEventSender()
	t.Cleanup(shutdownEventSender)
	t.Cleanup(func() { jobs = nil })

	jobs = make(chan publishJob)
	close(jobs)

	if tryPublishJob(publishJob{}) {
		t.Fatal("expected handoff to fail when channel is closed")
	}
}

func TestTryPublishJobNoWaitWhenZeroTimeout(t *testing.T) {
	shutdownEventSender()
	t.Cleanup(shutdownEventSender)

	jobs = make(chan publishJob, 1)
	handoffTimeout = 0

	jobs <- publishJob{}

	start := time.Now()
	if tryPublishJob(publishJob{}) {
		t.Fatal("expected handoff to fail on full channel")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Fatalf("expected immediate return, took %v", elapsed)
	}
}

func TestTryPublishJobNilChannel(t *testing.T) {
	shutdownEventSender()
	t.Cleanup(shutdownEventSender)

	if tryPublishJob(publishJob{}) {
		t.Fatal("expected handoff to fail when sender is not initialized")
	}
}

func TestTryPublishJobConcurrentProducers(t *testing.T) {
	shutdownEventSender()
	t.Cleanup(shutdownEventSender)

	jobs = make(chan publishJob, 64)
	handoffTimeout = 50 * time.Millisecond

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tryPublishJob(publishJob{userID: "user-1"}) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 64 {
		t.Fatalf("expected all handoffs to succeed, got %d", accepted)
	}
	if len(jobs) != 64 {
		t.Fatalf("expected 64 buffered jobs, got %d", len(jobs))
	}
}

func TestWorkersDeliverJobs(t *testing.T) {
	shutdownEventSender()
	t.Cleanup(shutdownEventSender)

	logger, _ := test.NewNullLogger()
	pub := &fakePublisher{}
	initEventSender(pub, logger)

	for i := 0; i < 10; i++ {
		if !tryPublishJob(publishJob{userID: "user-1", events: sampleEventBatch()}) {
			t.Fatalf("handoff %d failed", i)
		}
	}

	deadline := time.Now().Add(time.Second)
	for pub.count() < 10 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 10 delivered events, got %d", pub.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishFallsBackInline(t *testing.T) {
	shutdownEventSender()
	t.Cleanup(shutdownEventSender)

	logger, _ := test.NewNullLogger()
	pub := &fakePublisher{}
	globalPub = pub
	globalLog = logger
	publishTimeout = time.Second

	e := echo.New()
	req := httptest.NewRequest("POST", "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	publish(c, "user-1", sampleEventBatch()...)

	if pub.count() != 1 {
		t.Fatalf("expected inline delivery, got %d events", pub.count())
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.users[0] != "user-1" {
		t.Fatalf("unexpected user: %s", pub.users[0])
	}
}
