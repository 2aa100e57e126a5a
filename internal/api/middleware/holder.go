package middleware

import "context"

type tenantHolder struct {
	id string
}

type holderKey struct{}

func withHolder(ctx context.Context, h *tenantHolder) context.Context {
	return context.WithValue(ctx, holderKey{}, h)
}

func holderFrom(ctx context.Context) *tenantHolder {
	h, _ := ctx.Value(holderKey{}).(*tenantHolder)
	return h
}
