package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/schema"
)

func newSchemaCmd(streams ioStreams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect and convert generation schemas",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate <file>",
			Short: "Parse and validate a generation schema",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				sch, err := loadSchema(args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(streams.out, "ok: %s with %d dependencies\n", describeRoot(sch), len(sch.Dependencies()))
				return err
			},
		},
		&cobra.Command{
			Use:   "jsonschema <file>",
			Short: "Print the JSON Schema equivalent of a generation schema",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				sch, err := loadSchema(args[0])
				if err != nil {
					return err
				}
				return printIndented(streams, schema.ToJSONSchema(sch))
			},
		},
		newSchemaImportCmd(streams),
	)
	return cmd
}

func newSchemaImportCmd(streams ioStreams) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Convert a JSON Schema document into a generation schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := content.Parse(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			sch, err := schema.FromJSONSchema(name, doc)
			if err != nil {
				return err
			}
			wire, err := json.Marshal(sch)
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, wire, "", "  "); err != nil {
				return err
			}
			_, err = fmt.Fprintln(streams.out, out.String())
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Root struct name when the document has no title")
	return cmd
}

func loadSchema(path string) (*schema.Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sch, err := schema.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sch, nil
}

func describeRoot(sch *schema.Schema) string {
	if named, ok := sch.Root().(schema.Named); ok {
		return "root " + named.SchemaName()
	}
	return "root " + strings.TrimPrefix(fmt.Sprintf("%T", sch.Root()), "*schema.")
}

func printIndented(streams ioStreams, v content.Value) error {
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(v.String()), "", "  "); err != nil {
		return err
	}
	_, err := fmt.Fprintln(streams.out, out.String())
	return err
}
