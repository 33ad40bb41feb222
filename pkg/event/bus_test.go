package event

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/fault"
)

func snapshot(stream string, seq uint64, text string) Event {
	evt := NewEvent(TypeSnapshot, "sess", stream, seq)
	evt.Text = text
	return evt
}

func collect(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(time.Second)
	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return got
			}
			got = append(got, evt)
		case <-timeout:
			t.Fatalf("subscription not closed, got %d events", len(got))
		}
	}
}

func TestEventBusDeliversInOrderAndSeals(t *testing.T) {
	bus := NewEventBus()
	sub, err := bus.Subscribe("st1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		if err := bus.Emit(snapshot("st1", i, fmt.Sprintf("s%d", i))); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
	done := NewEvent(TypeCompleted, "sess", "st1", 4)
	done.Content = content.String("s3")
	if err := bus.Emit(done); err != nil {
		t.Fatalf("emit completed: %v", err)
	}

	got := collect(t, sub)
	var kinds []string
	for _, evt := range got {
		kinds = append(kinds, string(evt.Type)+":"+evt.Text)
	}
	want := "snapshot:s1,snapshot:s2,snapshot:s3,completed:"
	if strings.Join(kinds, ",") != want {
		t.Fatalf("unexpected sequence %v", kinds)
	}

	if err := bus.Emit(snapshot("st1", 5, "late")); !errors.Is(err, ErrBusSealed) {
		t.Fatalf("expected ErrBusSealed, got %v", err)
	}
	if !bus.Sealed("st1") {
		t.Fatal("stream should be sealed")
	}
}

func TestEventBusReplaysHistory(t *testing.T) {
	bus := NewEventBus()
	for i := uint64(1); i <= 2; i++ {
		if err := bus.Emit(snapshot("st", i, "x")); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	sub, err := bus.Subscribe("st", 1)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancelled := NewEvent(TypeCancelled, "sess", "st", 3)
	if err := bus.Emit(cancelled); err != nil {
		t.Fatalf("emit cancelled: %v", err)
	}
	got := collect(t, sub)
	if len(got) != 2 || got[0].Seq != 2 || got[1].Type != TypeCancelled {
		t.Fatalf("unexpected replay %+v", got)
	}

	late, err := bus.Subscribe("st", 0)
	if err != nil {
		t.Fatalf("late subscribe: %v", err)
	}
	if got := collect(t, late); len(got) != 3 {
		t.Fatalf("late subscriber should replay 3 events, got %d", len(got))
	}
}

func TestEventBusRejectsInvalidEvents(t *testing.T) {
	bus := NewEventBus()
	if err := bus.Emit(Event{Type: "bogus", StreamID: "s", Seq: 1}); err == nil {
		t.Fatal("expected unknown type error")
	}
	if err := bus.Emit(Event{Type: TypeSnapshot, Seq: 1}); err == nil {
		t.Fatal("expected missing stream id error")
	}
	if err := bus.Emit(Event{Type: TypeError, StreamID: "s", Seq: 1}); err == nil {
		t.Fatal("expected missing error payload")
	}
	if err := bus.Emit(snapshot("s", 2, "a")); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := bus.Emit(snapshot("s", 2, "b")); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

func TestEventBusSlowSubscriberStillSeesTerminal(t *testing.T) {
	logger := &recordingLogger{}
	bus := NewEventBus(WithBufferSize(1), WithLogger(logger))
	sub, err := bus.Subscribe("st", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	const n = 200
	for i := uint64(1); i <= n; i++ {
		if err := bus.Emit(snapshot("st", i, "x")); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
	if err := bus.Emit(NewEvent(TypeCompleted, "sess", "st", n+1)); err != nil {
		t.Fatalf("emit completed: %v", err)
	}

	got := collect(t, sub)
	if len(got) != n+1 {
		t.Fatalf("slow subscriber should see every event, got %d", len(got))
	}
	for i, evt := range got {
		if evt.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, evt.Seq)
		}
	}
	if last := got[len(got)-1]; last.Type != TypeCompleted {
		t.Fatalf("last event should be terminal, got %s", last.Type)
	}
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.lines) == 0 || !strings.Contains(logger.lines[0], "lagging") {
		t.Fatalf("expected lag log, got %v", logger.lines)
	}
}

func TestEventBusCloseAndForget(t *testing.T) {
	bus := NewEventBus()
	sub, _ := bus.Subscribe("st", 0)
	sub.Close()
	sub.Close()
	if err := bus.Emit(snapshot("st", 1, "x")); err != nil {
		t.Fatalf("emit: %v", err)
	}
	bus.Forget("st")
	if hist, _ := bus.History("st"); len(hist) != 0 {
		t.Fatalf("forget should drop history, got %d", len(hist))
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Emit(snapshot("st", 1, "x")); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestEventJSONOmitsNullValues(t *testing.T) {
	evt := NewEvent(TypeError, "sess", "st", 2)
	p := fault.ToPayload(fault.New(fault.RateLimited, "slow down"))
	evt.Error = &p
	data, err := evt.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if strings.Contains(s, `"content"`) || strings.Contains(s, `"raw"`) {
		t.Fatalf("null values should be omitted: %s", s)
	}
	if !strings.Contains(s, `"kind":"rate_limited"`) {
		t.Fatalf("missing error payload: %s", s)
	}

	var back Event
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Error == nil || back.Error.Kind != fault.RateLimited || back.Seq != 2 {
		t.Fatalf("unexpected round trip %+v", back)
	}
}
