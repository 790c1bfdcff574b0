package api

import (
	"context"
)

type contextKey string

const ctxKeyOperator contextKey = "operator"

func withOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxKeyOperator, name)
}

// operatorFromCtx returns the authenticated operator name, or "".
func operatorFromCtx(ctx context.Context) string {
	name, _ := ctx.Value(ctxKeyOperator).(string)
	return name
}
