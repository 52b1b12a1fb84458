package session

import (
	"context"
	"errors"
)

// ErrNoHandle is returned by CommitContext when ctx carries no handle.
var ErrNoHandle = errors.New("no session handle in context")

type handleKey struct{}

// WithHandle returns a context carrying h, so code running inside an agent
// step can commit without the handle being threaded through.
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// HandleFrom returns the handle carried by ctx.
func HandleFrom(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(handleKey{}).(*Handle)
	return h, ok && h != nil
}
