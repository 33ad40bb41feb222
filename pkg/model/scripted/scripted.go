// Package scripted provides a deterministic model capability. It replays
// scripted turns, including tool calls, streamed snapshots and failures, and
// falls back to echoing the prompt or synthesizing a schema-shaped value.
package scripted

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/tool"
)

// Turn scripts one generation.
type Turn struct {
	// Calls are issued as a single batch before any snapshot.
	Calls []tool.Call
	// Snapshots are streamed in order for structured requests.
	Snapshots []content.Value
	// Chunks are appended and streamed for text requests.
	Chunks []string
	// Final is the structured answer. When Null the last snapshot is used.
	Final content.Value
	// Text is the text answer. When empty the joined chunks are used.
	Text string
	// Err fails the generation after every snapshot was delivered.
	Err error
	// Delay is slept before each snapshot.
	Delay time.Duration
	// Gate, when set, must yield before each snapshot after the first.
	Gate <-chan struct{}
}

// Model is a model.Capability driven by a script.
type Model struct {
	mu       sync.Mutex
	turns    []Turn
	requests []model.Request
}

var _ model.Capability = (*Model)(nil)

// New returns a model that plays turns in order, one per request.
func New(turns ...Turn) *Model {
	return &Model{turns: turns}
}

// Push appends turns to the script.
func (m *Model) Push(turns ...Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turns...)
}

// Requests returns the requests seen so far.
func (m *Model) Requests() []model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Request(nil), m.requests...)
}

// Respond plays the next turn without streaming.
func (m *Model) Respond(ctx context.Context, req model.Request) (model.Response, error) {
	return m.run(ctx, req, nil)
}

// Stream plays the next turn, delivering its snapshots through fn.
func (m *Model) Stream(ctx context.Context, req model.Request, fn model.SnapshotFunc) (model.Response, error) {
	return m.run(ctx, req, fn)
}

func (m *Model) next(req model.Request) Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.turns) > 0 {
		turn := m.turns[0]
		m.turns = m.turns[1:]
		return turn
	}
	if req.Structured() {
		final := Synthesize(req.Schema)
		return Turn{Snapshots: Progressive(final), Final: final}
	}
	return Turn{Chunks: strings.SplitAfter(req.Prompt, " ")}
}

func (m *Model) run(ctx context.Context, req model.Request, fn model.SnapshotFunc) (model.Response, error) {
	if err := req.Options.Validate(); err != nil {
		return model.Response{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}
	turn := m.next(req)

	var resp model.Response
	if len(turn.Calls) > 0 {
		_, entries, err := model.InvokeAll(ctx, req.Invoker, turn.Calls)
		resp.Entries = entries
		if err != nil {
			return resp, err
		}
	}

	if fn != nil {
		if err := play(ctx, turn, req.Structured(), fn); err != nil {
			return resp, err
		}
	}
	if turn.Err != nil {
		return resp, turn.Err
	}

	if req.Structured() {
		resp.Raw = turn.Final
		if resp.Raw.IsNull() && len(turn.Snapshots) > 0 {
			resp.Raw = turn.Snapshots[len(turn.Snapshots)-1]
		}
		resp.Usage = usage(req.Prompt, resp.Raw.String())
		resp.StopReason = "end_turn"
		return resp, nil
	}
	resp.Text = turn.Text
	if resp.Text == "" {
		resp.Text = strings.Join(turn.Chunks, "")
	}
	resp.Usage = usage(req.Prompt, resp.Text)
	resp.StopReason = "end_turn"
	return resp, nil
}

func play(ctx context.Context, turn Turn, structured bool, fn model.SnapshotFunc) error {
	steps := len(turn.Chunks)
	if structured {
		steps = len(turn.Snapshots)
	}
	var text strings.Builder
	for i := 0; i < steps; i++ {
		if err := wait(ctx, turn, i); err != nil {
			return err
		}
		var snap model.Snapshot
		if structured {
			snap.Raw = turn.Snapshots[i]
		} else {
			text.WriteString(turn.Chunks[i])
			snap.Text = text.String()
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func wait(ctx context.Context, turn Turn, i int) error {
	if turn.Gate != nil && i > 0 {
		select {
		case <-turn.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if turn.Delay > 0 {
		timer := time.NewTimer(turn.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func usage(prompt, answer string) model.Usage {
	in, out := len(strings.Fields(prompt)), len(strings.Fields(answer))
	return model.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}
