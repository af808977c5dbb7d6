package record

import (
	"context"
	"fmt"
)

// Cursor is the pagination resume point: the ID of the last persisted record.
// The zero value means "start from the beginning".
type Cursor string

// IsZero reports whether the cursor is empty.
func (c Cursor) IsZero() bool {
	return c == ""
}

// String implements fmt.Stringer.
func (c Cursor) String() string {
	return string(c)
}

// ResolveCursor derives the resume cursor from the store's last record.
// It reads the store on every call.
func ResolveCursor(ctx context.Context, store Store) (Cursor, error) {
	last, err := store.ReadLast(ctx)
	if err != nil {
		return "", fmt.Errorf("read last record: %w", err)
	}
	if last == nil {
		return "", nil
	}
	return Cursor(last.ID), nil
}
