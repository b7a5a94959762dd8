package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
)

// HandlerFunc processes the payload of one message.
type HandlerFunc func(ctx context.Context, vehicleID string, payload []byte) error

// TypedHandlerFunc processes a decoded message.
type TypedHandlerFunc[T any] func(ctx context.Context, vehicleID string, msg T) error

// JSONAdapter decodes the payload into T before calling handler.
func JSONAdapter[T any](handler TypedHandlerFunc[T]) HandlerFunc {
	return func(ctx context.Context, vehicleID string, payload []byte) error {
		var msg T
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("json unmarshal failed: %w", err)
		}
		return handler(ctx, vehicleID, msg)
	}
}
