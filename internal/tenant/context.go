// Package tenant carries the partition identifier resolved by the
// authentication layer through request contexts.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var ErrInvalidTenant = errors.New("invalid tenant id")

type contextKey string

const tenantKey contextKey = "tenant"

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Validate rejects ids that are empty or unsafe to use as a storage path
// segment.
func Validate(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, id)
	}
	return nil
}

func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantKey, id)
}

func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey).(string)
	return id
}
