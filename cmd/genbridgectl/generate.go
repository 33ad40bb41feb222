package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cexll/genbridge/pkg/bridge"
	"github.com/cexll/genbridge/pkg/event"
	"github.com/cexll/genbridge/pkg/model"
)

// generateFlags are shared by respond and stream.
type generateFlags struct {
	schemaPath   string
	sessionID    string
	instructions string
	temperature  float64
	maxTokens    int
}

func (f *generateFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.schemaPath, "schema", "s", "", "Generation schema file (wire JSON); output is decoded against it")
	fs.StringVar(&f.sessionID, "session", "", "Session id; resumes its stored transcript when a store is configured")
	fs.StringVar(&f.instructions, "instructions", "", "Instructions for a new session (defaults to the config)")
	fs.Float64Var(&f.temperature, "temperature", 0, "Sampling temperature in [0,2]")
	fs.IntVar(&f.maxTokens, "max-tokens", 0, "Maximum response tokens")
}

func (f *generateFlags) options(cmd *cobra.Command) model.Options {
	var opts model.Options
	if cmd.Flags().Changed("temperature") {
		t := f.temperature
		opts.Temperature = &t
	}
	if f.maxTokens > 0 {
		n := f.maxTokens
		opts.MaximumResponseTokens = &n
	}
	return opts
}

func (f *generateFlags) createSession(ctx context.Context, env *environment) (string, error) {
	instructions := f.instructions
	if instructions == "" {
		instructions = env.cfg.Instructions
	}
	return env.bridge.CreateSession(ctx, bridge.SessionSpec{
		ID:           f.sessionID,
		Instructions: instructions,
		Tools:        env.tools,
	})
}

func newRespondCmd(global *globalFlags, streams ioStreams) *cobra.Command {
	flags := &generateFlags{}
	cmd := &cobra.Command{
		Use:   "respond <prompt...|->",
		Short: "Generate one response and print it",
		Long: `Generate one response in a fresh session. With --schema the decoded
value is printed as JSON, otherwise the text. Pass "-" to read the prompt from
stdin.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args, streams)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			env, err := openEnvironment(ctx, global, streams)
			if err != nil {
				return err
			}
			defer env.Close(context.Background())

			sch, err := readSchemaFile(env.schemas, flags.schemaPath)
			if err != nil {
				return err
			}
			id, err := flags.createSession(ctx, env)
			if err != nil {
				return err
			}
			opts := flags.options(cmd)
			if sch == nil {
				text, err := env.bridge.Respond(ctx, id, prompt, opts)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(streams.out, text)
				return err
			}
			v, err := env.bridge.RespondWithSchema(ctx, id, prompt, sch, opts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(streams.out, v.String())
			return err
		},
	}
	flags.bind(cmd)
	return cmd
}

func newStreamCmd(global *globalFlags, streams ioStreams) *cobra.Command {
	flags := &generateFlags{}
	var sse bool
	cmd := &cobra.Command{
		Use:   "stream <prompt...|->",
		Short: "Stream snapshots of a response",
		Long: `Stream a response, printing each event as a JSON line (or as an SSE
frame with --sse). Interrupting cancels the stream; the cancelled event is
still printed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args, streams)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			env, err := openEnvironment(ctx, global, streams)
			if err != nil {
				return err
			}
			defer env.Close(context.Background())

			sch, err := readSchemaFile(env.schemas, flags.schemaPath)
			if err != nil {
				return err
			}
			id, err := flags.createSession(ctx, env)
			if err != nil {
				return err
			}
			// The stream outlives an interrupt long enough to report cancellation.
			runCtx := context.WithoutCancel(ctx)
			var streamID string
			if sch != nil {
				streamID, err = env.bridge.StreamWithSchema(runCtx, id, prompt, sch, flags.options(cmd))
			} else {
				streamID, err = env.bridge.StreamText(runCtx, id, prompt, flags.options(cmd))
			}
			if err != nil {
				return err
			}
			sub, err := env.bridge.Subscribe(streamID, 0)
			if err != nil {
				return err
			}
			defer sub.Close()
			return printEvents(ctx, env, streamID, sub.C, streams, sse)
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&sse, "sse", false, "Print Server-Sent Events frames instead of JSON lines")
	return cmd
}

func printEvents(ctx context.Context, env *environment, streamID string, events <-chan event.Event, streams ioStreams, sse bool) error {
	enc := json.NewEncoder(streams.out)
	done := ctx.Done()
	var failed *event.Event
	for {
		select {
		case <-done:
			done = nil
			if err := env.bridge.CancelStream(streamID); err != nil {
				env.logger.Debug("cancel stream", "stream_id", streamID, "err", err)
			}
		case evt, ok := <-events:
			if !ok {
				if failed != nil {
					return fmt.Errorf("stream %s failed: %s: %s", streamID, failed.Error.Kind, failed.Error.Message)
				}
				return nil
			}
			var err error
			if sse {
				err = event.WriteFrame(streams.out, evt)
			} else {
				err = enc.Encode(evt)
			}
			if err != nil {
				return err
			}
			if evt.Type == event.TypeError && evt.Error != nil {
				e := evt
				failed = &e
			}
		}
	}
}
