package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fraudcore/engine/internal/model"
)

func TestBroker_FanOutToMultipleSubscribers(t *testing.T) {
	threadID := uuid.New()
	b := NewBroker(0, nil)

	ch1, unsub1 := b.Subscribe(threadID)
	ch2, unsub2 := b.Subscribe(threadID)
	defer unsub1()
	defer unsub2()

	b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventRunStart})

	for i, ch := range []<-chan model.ObservabilityEvent{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Kind != model.EventRunStart {
				t.Errorf("subscriber %d: got kind %q", i, got.Kind)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timed out waiting for event", i)
		}
	}
}

func TestBroker_ThreadIsolation(t *testing.T) {
	thread1, thread2 := uuid.New(), uuid.New()
	b := NewBroker(0, nil)

	ch1, unsub1 := b.Subscribe(thread1)
	ch2, unsub2 := b.Subscribe(thread2)
	defer unsub1()
	defer unsub2()

	b.Emit(model.ObservabilityEvent{ThreadID: thread1, Kind: model.EventRunStart})

	select {
	case <-ch1:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch1: timed out waiting for event")
	}

	select {
	case got := <-ch2:
		t.Fatalf("ch2 (different thread) should not have received %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_UnsubscribeClosesChannel(t *testing.T) {
	threadID := uuid.New()
	b := NewBroker(0, nil)

	ch, unsub := b.Subscribe(threadID)
	unsub()

	_, ok := <-ch
	if ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestBroker_SlowSubscriberIsDisconnectedWithTerminalEvent(t *testing.T) {
	threadID := uuid.New()
	b := NewBroker(0, nil)

	slow, _ := b.Subscribe(threadID)
	fast, unsubFast := b.Subscribe(threadID)
	defer unsubFast()

	for range subscriberBufferSize + 1 {
		b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventStatusUpdate})
	}

	select {
	case <-fast:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("fast subscriber should still receive events")
	}

	var last model.ObservabilityEvent
	for {
		ev, ok := <-slow
		if !ok {
			break
		}
		last = ev
	}
	if last.Kind != model.EventError {
		t.Errorf("expected last delivered event on overflowed subscriber to be EventError, got %q", last.Kind)
	}
}

func TestBroker_PollReturnsStrictSuffix(t *testing.T) {
	threadID := uuid.New()
	b := NewBroker(0, nil)

	e1 := b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventRunStart})
	b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventStageStart})
	b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventStageEnd})

	got := b.Poll(threadID, e1.EventID, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 events after %d, got %d", e1.EventID, len(got))
	}
	if got[0].Kind != model.EventStageStart || got[1].Kind != model.EventStageEnd {
		t.Errorf("unexpected poll order: %+v", got)
	}
}

func TestBroker_PollWithUnknownCursorReturnsAll(t *testing.T) {
	threadID := uuid.New()
	b := NewBroker(0, nil)

	b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventRunStart})
	b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventStageStart})

	got := b.Poll(threadID, 9999, 0)
	if len(got) != 2 {
		t.Fatalf("unknown cursor should return all retained events, got %d", len(got))
	}
}

func TestBroker_PollWithNoCursorReturnsAll(t *testing.T) {
	threadID := uuid.New()
	b := NewBroker(0, nil)

	b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventRunStart})
	b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventStageStart})

	got := b.Poll(threadID, 0, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
}

func TestBroker_PollRespectsLimit(t *testing.T) {
	threadID := uuid.New()
	b := NewBroker(0, nil)

	for range 5 {
		b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventStatusUpdate})
	}

	got := b.Poll(threadID, 0, 2)
	if len(got) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(got))
	}
}

func TestBroker_HistoryLimitEvictsOldest(t *testing.T) {
	threadID := uuid.New()
	b := NewBroker(2, nil)

	b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventRunStart})
	b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventStageStart})
	b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventStageEnd})

	got := b.History(threadID, 0)
	if len(got) != 2 {
		t.Fatalf("expected retained history capped at 2, got %d", len(got))
	}
	if got[0].Kind != model.EventStageStart || got[1].Kind != model.EventStageEnd {
		t.Errorf("expected oldest entry evicted, got %+v", got)
	}
}

func TestBroker_HistoryRespectsLimit(t *testing.T) {
	threadID := uuid.New()
	b := NewBroker(0, nil)

	for range 5 {
		b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventStatusUpdate})
	}

	got := b.History(threadID, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 most recent events, got %d", len(got))
	}
}

func TestBroker_ClearDropsHistoryAndDisconnectsSubscribers(t *testing.T) {
	threadID := uuid.New()
	b := NewBroker(0, nil)

	ch, _ := b.Subscribe(threadID)
	b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventRunStart})

	b.Clear(threadID)

	if got := b.History(threadID, 0); len(got) != 0 {
		t.Errorf("expected history cleared, got %d events", len(got))
	}
	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel to be closed on Clear")
	}
}

func TestBroker_ConcurrentSubscribeAndEmit(t *testing.T) {
	threadID := uuid.New()
	b := NewBroker(0, nil)

	const n = 50
	channels := make([]<-chan model.ObservabilityEvent, n)
	unsubs := make([]func(), n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			channels[idx], unsubs[idx] = b.Subscribe(threadID)
		}(i)
	}
	wg.Wait()

	b.Emit(model.ObservabilityEvent{ThreadID: threadID, Kind: model.EventRunStart})

	for i, ch := range channels {
		select {
		case <-ch:
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %d: timed out waiting for event", i)
		}
	}

	for _, unsub := range unsubs {
		unsub()
	}
}
