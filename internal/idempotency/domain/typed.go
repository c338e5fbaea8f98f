package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// Do runs fn through svc, storing its result as JSON.
func Do[T any](ctx context.Context, svc Service, key string, fn func(ctx context.Context) (T, error)) (T, Result, error) {
	var out T
	res, err := svc.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		value, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		out = value
		return json.Marshal(value)
	})
	if err != nil {
		return out, res, err
	}
	if res.IsNew {
		return out, res, nil
	}
	if err := json.Unmarshal(res.Value, &out); err != nil {
		return out, res, fmt.Errorf("decode idempotent result %s: %w", key, err)
	}
	return out, res, nil
}
