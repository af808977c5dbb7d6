// Package record defines the exported customer record, the append-only store
// contract the exporter writes to, and the resume cursor derived from it.
package record

import (
	"context"
	"errors"
)

// ErrCorrupt indicates the store's last entry could not be decoded.
var ErrCorrupt = errors.New("record store corrupt")

// Record is one exported customer.
// Field order is the on-disk order: ID, Name, Email.
type Record struct {
	ID    string
	Name  string
	Email string
}

// Fields returns the record as an ordered row.
func (r Record) Fields() []string {
	return []string{r.ID, r.Name, r.Email}
}

// FromFields builds a Record from an ordered row.
// Returns ErrCorrupt if the row does not have exactly three fields.
func FromFields(fields []string) (Record, error) {
	if len(fields) != 3 {
		return Record{}, ErrCorrupt
	}
	return Record{ID: fields[0], Name: fields[1], Email: fields[2]}, nil
}

// Store is a durable, append-only, ordered sequence of records.
//
// Implementations assume a single writer; callers that can overlap runs must
// hold a lock (see package lock) around a whole run.
type Store interface {
	// Append writes records to the end of the store in the given order.
	// An empty batch is a no-op.
	Append(ctx context.Context, records []Record) error

	// ReadLast returns the most recently appended record,
	// or nil if the store is empty or does not exist yet.
	ReadLast(ctx context.Context) (*Record, error)

	// Close releases resources held by the store.
	Close() error
}
