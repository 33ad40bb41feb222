package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cexll/genbridge/pkg/config"
	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/event"
	"github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/model/scripted"
)

const pointSchema = `{"root": {"kind": "StructGenerationSchema", "name": "P", "properties": [
  {"name": "a", "schema": {"kind": "ValueGenerationSchema", "type": "string"}, "isOptional": false}
]}, "dependencies": []}`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := runCLI(context.Background(), args, ioStreams{in: strings.NewReader("from stdin"), out: &out, err: &errOut})
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func withScript(t *testing.T, turns ...scripted.Turn) {
	t.Helper()
	prev := capabilityFactory
	capabilityFactory = func(context.Context, *config.Config) (model.Capability, error) {
		return scripted.New(turns...), nil
	}
	t.Cleanup(func() { capabilityFactory = prev })
}

func TestSchemaCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "point.json")
	require.NoError(t, os.WriteFile(path, []byte(pointSchema), 0o600))

	out, err := run(t, "schema", "validate", path)
	require.NoError(t, err)
	require.Equal(t, "ok: root P with 0 dependencies\n", out)

	out, err = run(t, "schema", "jsonschema", path)
	require.NoError(t, err)
	doc, err := content.Parse([]byte(out))
	require.NoError(t, err)
	title, _ := doc.Get("title")
	require.Equal(t, `"P"`, title.String())

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"root":{"kind":"Nope"}}`), 0o600))
	_, err = run(t, "schema", "validate", bad)
	require.Error(t, err)
}

func TestRespondEchoesWithScriptedProvider(t *testing.T) {
	cfg := writeConfig(t, "version: 1.0.0\nprovider: scripted\n")

	out, err := run(t, "--config", cfg, "respond", "hello", "world")
	require.NoError(t, err)
	require.Equal(t, "hello world\n", out)

	out, err = run(t, "--config", cfg, "respond", "-")
	require.NoError(t, err)
	require.Equal(t, "from stdin\n", out)
}

func TestRespondWithSchemaPrintsDecodedValue(t *testing.T) {
	withScript(t, scripted.Turn{Final: content.Object(content.F("a", content.String("x")), content.F("extra", content.Int(1)))})
	cfg := writeConfig(t, "version: 1.0.0\n")
	path := filepath.Join(t.TempDir(), "point.json")
	require.NoError(t, os.WriteFile(path, []byte(pointSchema), 0o600))

	out, err := run(t, "--config", cfg, "respond", "--schema", path, "give me a point")
	require.NoError(t, err)
	require.Equal(t, "{\"a\":\"x\"}\n", out)
}

func TestRespondRejectsInvalidTemperature(t *testing.T) {
	cfg := writeConfig(t, "version: 1.0.0\n")
	_, err := run(t, "--config", cfg, "respond", "--temperature", "7", "hi")
	require.ErrorIs(t, err, model.ErrInvalidOptions)
}

func TestStreamPrintsEventLines(t *testing.T) {
	withScript(t, scripted.Turn{Chunks: []string{"one ", "two"}})
	cfg := writeConfig(t, "version: 1.0.0\n")

	out, err := run(t, "--config", cfg, "stream", "count")
	require.NoError(t, err)

	var events []event.Event
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var evt event.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &evt))
		events = append(events, evt)
	}
	require.Len(t, events, 3)
	require.Equal(t, event.TypeSnapshot, events[0].Type)
	require.Equal(t, "one ", events[0].Text)
	require.Equal(t, "one two", events[1].Text)
	require.Equal(t, event.TypeCompleted, events[2].Type)
	require.Equal(t, uint64(3), events[2].Seq)
}

func TestStreamSSEFrames(t *testing.T) {
	withScript(t, scripted.Turn{Chunks: []string{"x"}})
	cfg := writeConfig(t, "version: 1.0.0\n")

	out, err := run(t, "--config", cfg, "stream", "--sse", "go")
	require.NoError(t, err)
	require.Contains(t, out, "id: 1\nevent: snapshot\n")
	require.Contains(t, out, "id: 2\nevent: completed\n")
}

func TestMissingAPIKeyFailsSessionCreation(t *testing.T) {
	t.Setenv("GENBRIDGE_TEST_MISSING_KEY", "")
	cfg := writeConfig(t, "version: 1.0.0\nprovider: anthropic\napi_key_env: GENBRIDGE_TEST_MISSING_KEY\n")
	_, err := run(t, "--config", cfg, "respond", "hi")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GENBRIDGE_TEST_MISSING_KEY")
}

func TestFileStoreResumesSession(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, "version: 1.0.0\nstore:\n  dir: "+dir+"\n")

	_, err := run(t, "--config", cfg, "respond", "--session", "s1", "first")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "transcripts"))
	require.NoError(t, err)

	var seen []model.Request
	prev := capabilityFactory
	capabilityFactory = func(context.Context, *config.Config) (model.Capability, error) {
		return recordingModel{Model: scripted.New(), seen: &seen}, nil
	}
	t.Cleanup(func() { capabilityFactory = prev })

	_, err = run(t, "--config", cfg, "respond", "--session", "s1", "second")
	require.NoError(t, err)
	require.Len(t, seen, 1)
	require.NotEmpty(t, seen[0].History)
}

type recordingModel struct {
	*scripted.Model
	seen *[]model.Request
}

func (m recordingModel) Respond(ctx context.Context, req model.Request) (model.Response, error) {
	*m.seen = append(*m.seen, req)
	return m.Model.Respond(ctx, req)
}
