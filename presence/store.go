// Package presence tracks which chat sessions are online. The server records
// a session on join and removes it on leave; operators read the online count
// from the logs or, with the Redis store, from Redis across several nodes.
package presence

import (
	"context"
	"strconv"
)

// Store records online sessions by connection id.
type Store interface {
	// Join records session id as online under name.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//   - id: The connection id of the session
	//   - name: The session's display name
	//
	// Returns:
	//   - An error if the record could not be written
	Join(ctx context.Context, id uint32, name string) error

	// Leave removes session id. Removing an unknown id is not an error.
	Leave(ctx context.Context, id uint32) error

	// Count returns the number of online sessions.
	Count(ctx context.Context) (int, error)

	// Clear removes every session this store owns.
	Clear(ctx context.Context) error
}

func idKey(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
