package controller

import "context"

type contextKey int

const (
	userIdCtxKey contextKey = iota
	connStateCtxKey
)

func (c controller) getUserIdFromCtx(ctx context.Context) string {
	userId, ok := ctx.Value(userIdCtxKey).(string)
	if !ok {
		return ""
	}

	return userId
}

func (c controller) getConnStateFromCtx(ctx context.Context) *connState {
	state, ok := ctx.Value(connStateCtxKey).(*connState)
	if !ok {
		return nil
	}

	return state
}
