package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/cexll/genbridge/pkg/bridge"
	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/event"
	"github.com/cexll/genbridge/pkg/model/scripted"
)

const pointSchema = `{"root": {"kind": "StructGenerationSchema", "name": "P", "properties": [
  {"name": "a", "schema": {"kind": "ValueGenerationSchema", "type": "string"}, "isOptional": false},
  {"name": "b", "schema": {"kind": "ValueGenerationSchema", "type": "int"}, "isOptional": true}
]}, "dependencies": []}`

func newTestServer(t *testing.T, turns ...scripted.Turn) *httptest.Server {
	t.Helper()
	b, err := bridge.New(bridge.Options{Capability: bridge.Static(scripted.New(turns...)), Provider: "scripted"})
	require.NoError(t, err)
	srv, err := New(b, WithHeartbeat(0))
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		_ = b.Close(context.Background())
	})
	return ts
}

func call(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createSession(t *testing.T, ts *httptest.Server, body string) string {
	t.Helper()
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, ts.URL+"/sessions", body, &created))
	require.NotEmpty(t, created.SessionID)
	return created.SessionID
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
		Path    string `json:"path"`
	} `json:"error"`
}

// readSSE collects frames until the server ends the response.
func readSSE(t *testing.T, url string, lastID string) []event.Event {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []event.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt event.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
		events = append(events, evt)
	}
	return events
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	var body map[string]any
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/health", "", &body))
	require.Equal(t, "ok", body["status"])
}

func TestSessionEndpoints(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		args, err := content.Parse(raw)
		require.NoError(t, err)
		city, _ := args.Get("city")
		name, _ := city.AsString()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"forecast":"sunny in `+name+`"}`)
	}))
	defer hook.Close()

	ts := newTestServer(t, scripted.Turn{Text: "hi"})
	id := createSession(t, ts, `{"instructions":"be brief","tools":[{"name":"getWeather","description":"weather",
		"parameters":{"root":{"kind":"StructGenerationSchema","name":"Args","properties":[
			{"name":"city","schema":{"kind":"ValueGenerationSchema","type":"string"},"isOptional":false}]},"dependencies":[]},
		"endpoint":"`+hook.URL+`"}]}`)

	var listed struct {
		Sessions []string `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/sessions", "", &listed))
	require.Equal(t, []string{id}, listed.Sessions)

	var text struct {
		Text string `json:"text"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/sessions/"+id+"/respond", `{"prompt":"hello"}`, &text))
	require.Equal(t, "hi", text.Text)

	var tool struct {
		Content json.RawMessage `json:"content"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/sessions/"+id+"/tools/getWeather", `{"city":"Oslo"}`, &tool))
	require.JSONEq(t, `{"forecast":"sunny in Oslo"}`, string(tool.Content))

	var missing errorBody
	require.Equal(t, http.StatusNotFound, call(t, http.MethodPost, ts.URL+"/sessions/"+id+"/tools/nope", `{}`, &missing))
	require.Equal(t, "tool_not_found", missing.Error.Kind)

	var transcript struct {
		Entries []map[string]any `json:"entries"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/sessions/"+id+"/transcript", "", &transcript))
	require.Len(t, transcript.Entries, 3)

	require.Equal(t, http.StatusNoContent, call(t, http.MethodDelete, ts.URL+"/sessions/"+id, "", nil))
	var gone errorBody
	require.Equal(t, http.StatusNotFound, call(t, http.MethodPost, ts.URL+"/sessions/"+id+"/respond", `{"prompt":"x"}`, &gone))
	require.Equal(t, "session_not_found", gone.Error.Kind)
}

func TestCreateSessionRejectsToolWithoutEndpoint(t *testing.T) {
	ts := newTestServer(t)
	var body errorBody
	require.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/sessions", `{"tools":[{"name":"x","description":""}]}`, &body))
	require.Equal(t, "invalid_request", body.Error.Kind)
}

func TestRespondWithSchemaEndpoint(t *testing.T) {
	ts := newTestServer(t,
		scripted.Turn{Final: content.Object(content.F("a", content.String("x")), content.F("b", content.String("oops")))},
		scripted.Turn{Final: content.Object(content.F("b", content.Int(1)))},
	)
	id := createSession(t, ts, `{}`)
	url := ts.URL + "/sessions/" + id + "/respond-with-schema"

	var ok struct {
		Content json.RawMessage `json:"content"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, url, `{"prompt":"p","schema":`+pointSchema+`}`, &ok))
	require.JSONEq(t, `{"a":"x"}`, string(ok.Content))

	var failed errorBody
	require.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, url, `{"prompt":"p","schema":`+pointSchema+`}`, &failed))
	require.Equal(t, "missing_field", failed.Error.Kind)
	require.Equal(t, "root.a", failed.Error.Path)

	var noSchema errorBody
	require.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, url, `{"prompt":"p"}`, &noSchema))

	var badKind errorBody
	require.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, url,
		`{"prompt":"p","schema":{"root":{"kind":"MysteryGenerationSchema"},"dependencies":[]}}`, &badKind))
	require.Equal(t, "unknown_kind", badKind.Error.Kind)

	var badOptions errorBody
	require.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/sessions/"+id+"/respond",
		`{"prompt":"p","options":{"temperature":5}}`, &badOptions))
	require.Equal(t, "invalid_request", badOptions.Error.Kind)

	var badJSON errorBody
	require.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/sessions/"+id+"/respond", `{`, &badJSON))
}

func TestStreamOverSSE(t *testing.T) {
	snaps := []content.Value{
		content.Object(content.F("a", content.String("h"))),
		content.Object(content.F("a", content.String("he"))),
		content.Object(content.F("a", content.String("hey")), content.F("b", content.Int(2))),
	}
	ts := newTestServer(t, scripted.Turn{Snapshots: snaps})
	id := createSession(t, ts, `{}`)

	var started struct {
		StreamID string `json:"stream_id"`
	}
	require.Equal(t, http.StatusAccepted, call(t, http.MethodPost, ts.URL+"/sessions/"+id+"/streams",
		`{"prompt":"p","schema":`+pointSchema+`}`, &started))

	events := readSSE(t, ts.URL+"/streams/"+started.StreamID+"/events", "")
	require.Len(t, events, 4)
	for i, evt := range events[:3] {
		require.Equal(t, event.TypeSnapshot, evt.Type)
		require.Equal(t, uint64(i+1), evt.Seq)
	}
	require.Equal(t, event.TypeCompleted, events[3].Type)
	require.Equal(t, `{"a":"hey","b":2}`, events[3].Content.String())

	resumed := readSSE(t, ts.URL+"/streams/"+started.StreamID+"/events", "2")
	require.Len(t, resumed, 2)
	require.Equal(t, uint64(3), resumed[0].Seq)

	var state map[string]string
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/streams/"+started.StreamID, "", &state))
	require.Equal(t, "completed", state["state"])
}

func TestCancelStreamEndpoint(t *testing.T) {
	gate := make(chan struct{})
	ts := newTestServer(t, scripted.Turn{Chunks: []string{"a", "b"}, Gate: gate})
	id := createSession(t, ts, `{}`)

	var missing errorBody
	require.Equal(t, http.StatusNotFound, call(t, http.MethodDelete, ts.URL+"/streams/nope", "", &missing))
	require.Equal(t, "stream_not_found", missing.Error.Kind)

	var started struct {
		StreamID string `json:"stream_id"`
	}
	require.Equal(t, http.StatusAccepted, call(t, http.MethodPost, ts.URL+"/sessions/"+id+"/streams", `{"prompt":"p"}`, &started))
	require.Equal(t, http.StatusAccepted, call(t, http.MethodDelete, ts.URL+"/streams/"+started.StreamID, "", nil))

	events := readSSE(t, ts.URL+"/streams/"+started.StreamID+"/events", "")
	require.NotEmpty(t, events)
	require.Equal(t, event.TypeCancelled, events[len(events)-1].Type)
	require.Equal(t, http.StatusAccepted, call(t, http.MethodDelete, ts.URL+"/streams/"+started.StreamID, "", nil))
}

func TestStreamOverWebSocket(t *testing.T) {
	gate := make(chan struct{})
	ts := newTestServer(t, scripted.Turn{Chunks: []string{"one ", "two"}, Gate: gate})
	id := createSession(t, ts, `{}`)

	var started struct {
		StreamID string `json:"stream_id"`
	}
	require.Equal(t, http.StatusAccepted, call(t, http.MethodPost, ts.URL+"/sessions/"+id+"/streams", `{"prompt":"p"}`, &started))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/streams/" + started.StreamID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var first event.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, event.TypeSnapshot, first.Type)
	require.Equal(t, "one ", first.Text)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "cancel"}))
	var last event.Event
	require.NoError(t, conn.ReadJSON(&last))
	require.Equal(t, event.TypeCancelled, last.Type)

	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected %v", err)
}
