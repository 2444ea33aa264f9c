package resource

import (
	"context"

	"github.com/unkn0wn-root/syncache"
)

// ListFetcher adapts a list call into a cache fetcher for key subscriptions.
func ListFetcher[T any](c *Client, resource string, q Query) syncache.Fetcher[[]T] {
	return func(ctx context.Context) ([]T, error) {
		env := List[T](ctx, c, resource, q)
		if err := env.Err(); err != nil {
			return nil, err
		}
		return env.Data, nil
	}
}

// CreateWrite adapts a create call into a mutation write.
func CreateWrite[T any](c *Client, resource string, payload any) syncache.WriteFunc[T] {
	return func(ctx context.Context) (T, error) {
		env := Create[T](ctx, c, resource, payload)
		if err := env.Err(); err != nil {
			var zero T
			return zero, err
		}
		return env.Data, nil
	}
}

// UpdateWrite adapts an update call into a mutation write.
func UpdateWrite[T any](c *Client, resource, id string, payload any) syncache.WriteFunc[T] {
	return func(ctx context.Context) (T, error) {
		env := Update[T](ctx, c, resource, id, payload)
		if err := env.Err(); err != nil {
			var zero T
			return zero, err
		}
		return env.Data, nil
	}
}

// DeleteWrite adapts a delete call into a mutation write. The returned value
// is the caller's updater result, not a server payload, so V is whatever the
// cached collection type is.
func DeleteWrite[V any](c *Client, resource, id string) syncache.WriteFunc[V] {
	return func(ctx context.Context) (V, error) {
		var zero V
		env := Delete(ctx, c, resource, id)
		if err := env.Err(); err != nil {
			return zero, err
		}
		return zero, nil
	}
}
