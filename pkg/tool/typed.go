package tool

import (
	"context"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/generable"
)

// Typed builds a tool whose arguments are described by the struct A and whose
// result R is converted with generable.ToContent.
func Typed[A, R any](name, description string, fn func(ctx context.Context, args A) (R, error)) (Tool, error) {
	params, err := generable.SchemaFor[A]()
	if err != nil {
		return Tool{}, err
	}
	h := HandlerFunc(func(ctx context.Context, raw content.Value) (content.Value, error) {
		args, err := generable.Decode[A](raw)
		if err != nil {
			return content.Null, err
		}
		out, err := fn(ctx, args)
		if err != nil {
			return content.Null, err
		}
		return generable.ToContent(out)
	})
	return Tool{
		Definition: Definition{Name: name, Description: description, Parameters: params},
		Handler:    h,
	}, nil
}
