package telemetry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Handle(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestBusDispatchesToSinks(t *testing.T) {
	bus := NewBus(16)
	sink := &recordingSink{}
	bus.AddSink(sink)
	bus.AddSink(NewLogSink())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		bus.Emit(New(KindJobReceived, SeverityInfo, "job", map[string]interface{}{"n": i}))
	}
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if sink.count() != 5 {
		t.Errorf("sink got %d events, want 5", sink.count())
	}
}

func TestBusFlushesOnShutdown(t *testing.T) {
	bus := NewBus(16)
	sink := &recordingSink{}
	bus.AddSink(sink)

	bus.Emit(New(KindFatal, SeverityFatal, "boom", nil))
	bus.Emit(New(KindLifecycle, SeverityInfo, "stopped", nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Run(ctx)

	if sink.count() != 2 {
		t.Errorf("queued events not flushed: %d", sink.count())
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(2)
	for i := 0; i < 5; i++ {
		bus.Emit(New(KindJobReceived, SeverityInfo, "job", nil))
	}
	if bus.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", bus.Dropped())
	}
}

func TestBusRecentRing(t *testing.T) {
	bus := NewBus(3)
	for i := 0; i < 5; i++ {
		bus.dispatch(New(KindJobReceived, SeverityInfo, string(rune('a'+i)), nil))
	}

	got := bus.Recent(0)
	if len(got) != 3 {
		t.Fatalf("Recent(0) returned %d", len(got))
	}
	var msgs []string
	for _, e := range got {
		msgs = append(msgs, e.Message)
	}
	if strings.Join(msgs, "") != "cde" {
		t.Errorf("Recent order = %v, want c d e", msgs)
	}
	if last := bus.Recent(1); len(last) != 1 || last[0].Message != "e" {
		t.Errorf("Recent(1) = %v", last)
	}

	empty := NewBus(3)
	if len(empty.Recent(10)) != 0 {
		t.Error("empty bus should have no events")
	}
}

func TestBusSubscribe(t *testing.T) {
	bus := NewBus(8)
	ch, unsubscribe := bus.Subscribe(4)

	bus.dispatch(New(KindReconnect, SeverityWarn, "reconnecting", nil))
	select {
	case e := <-ch:
		if e.Kind != KindReconnect {
			t.Errorf("Kind = %s", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber got nothing")
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	bus.dispatch(New(KindReconnect, SeverityWarn, "again", nil))
}

func TestParseSeverity(t *testing.T) {
	tests := map[string]Severity{
		"debug": SeverityDebug,
		"INFO":  SeverityInfo,
		"warn":  SeverityWarn,
		"error": SeverityError,
		"fatal": SeverityFatal,
		"":      SeverityWarn,
	}
	for in, want := range tests {
		if got := ParseSeverity(in); got != want {
			t.Errorf("ParseSeverity(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestEncodeKafka(t *testing.T) {
	e := New(KindResultRejected, SeverityWarn, "low difficulty", map[string]interface{}{"job_id": "bf"})
	msg, err := EncodeKafka(e)
	if err != nil {
		t.Fatalf("EncodeKafka() error = %v", err)
	}
	if string(msg.Key) != string(KindResultRejected) {
		t.Errorf("Key = %s", msg.Key)
	}

	var decoded map[string]interface{}
	if err := sonic.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["severity"] != "warn" || decoded["kind"] != "result_rejected" {
		t.Errorf("payload = %v", decoded)
	}
}
