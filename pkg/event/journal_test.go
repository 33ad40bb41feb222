package event

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cexll/genbridge/pkg/content"
)

func TestFileJournalAppendAndRead(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "events", "stream.jsonl")
	j, err := NewFileJournal(path)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	for i := uint64(1); i <= 3; i++ {
		if err := j.Append(snapshot("a", i, "x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Append(snapshot("b", 1, "y")); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := j.ReadStream("a", 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 2 {
		t.Fatalf("unexpected events %+v", got)
	}
	ids, err := j.Streams()
	if err != nil || strings.Join(ids, ",") != "a,b" {
		t.Fatalf("unexpected streams %v %v", ids, err)
	}
}

func TestFileJournalSkipsTornLine(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := NewFileJournal(path)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	if err := j.Append(snapshot("a", 1, "x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = j.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString(`{"id":"x","type":"snap`)
	_ = f.Close()

	reopened, err := NewFileJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.ReadStream("a", 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected 1 event, got %d %v", len(got), err)
	}
	if err := reopened.Append(snapshot("a", 2, "x")); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	got, err = reopened.ReadStream("a", 0)
	if err != nil || len(got) != 2 {
		t.Fatalf("append after torn line should survive, got %d %v", len(got), err)
	}
}

func TestEventBusRecoversFromJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := NewFileJournal(path)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	bus := NewEventBus(WithJournal(j))
	if err := bus.Emit(snapshot("st", 1, "x")); err != nil {
		t.Fatalf("emit: %v", err)
	}
	done := NewEvent(TypeCompleted, "sess", "st", 2)
	done.Content = content.Object(content.F("a", content.String("x")))
	if err := bus.Emit(done); err != nil {
		t.Fatalf("emit: %v", err)
	}
	_ = j.Close()

	j2, err := NewFileJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	restarted := NewEventBus(WithJournal(j2))
	sub, err := restarted.Subscribe("st", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	got := collect(t, sub)
	if len(got) != 2 || got[1].Content.String() != `{"a":"x"}` {
		t.Fatalf("unexpected recovered events %+v", got)
	}
	if !restarted.Sealed("st") {
		t.Fatal("recovered stream should be sealed")
	}
}

func TestSSEServeWritesFrames(t *testing.T) {
	events := make(chan Event, 2)
	events <- snapshot("st", 1, "he")
	done := NewEvent(TypeCompleted, "sess", "st", 2)
	done.Text = "hello"
	events <- done
	close(events)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/streams/st/events", nil)
	sse := NewSSE()
	sse.SetHeartbeat(0)
	sse.Serve(rec, req, events)

	body := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(body, "id: 1\nevent: snapshot\n") || !strings.Contains(body, "id: 2\nevent: completed\n") {
		t.Fatalf("unexpected body %q", body)
	}
	if strings.Index(body, "event: snapshot") > strings.Index(body, "event: completed") {
		t.Fatal("frames out of order")
	}
}

func TestSSEServeStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	finished := make(chan struct{})
	go func() {
		NewSSE().Serve(rec, req, make(chan Event))
		close(finished)
	}()
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestLastEventSeq(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?after=4", nil)
	if got := LastEventSeq(req); got != 4 {
		t.Fatalf("after query: %d", got)
	}
	req.Header.Set("Last-Event-ID", "7")
	if got := LastEventSeq(req); got != 7 {
		t.Fatalf("header: %d", got)
	}
	req.Header.Set("Last-Event-ID", "nope")
	if got := LastEventSeq(req); got != 0 {
		t.Fatalf("garbage: %d", got)
	}
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, snapshot("st", 3, "x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "id: 3\nevent: snapshot\ndata: {") || !strings.HasSuffix(buf.String(), "}\n\n") {
		t.Fatalf("unexpected frame %q", buf.String())
	}
}
