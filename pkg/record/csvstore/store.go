// Package csvstore implements record.Store on an append-only CSV file.
//
// The file has no header; each line is one record: id,name,email.
// ReadLast reads the file backwards from the end, so resolving the resume
// cursor costs O(length of the last line) rather than O(file size). It falls
// back to a full sequential read only when the last physical line contains a
// quote character, because a quoted field may span several lines.
package csvstore

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/customer-export/pkg/record"
)

// DefaultPath is the export file used when none is configured.
const DefaultPath = "customers_info.csv"

// chunkSize is the block size used when scanning the file backwards.
const chunkSize = 4096

// Store is a CSV-file record store.
type Store struct {
	path   string
	logger zerolog.Logger

	mu sync.Mutex
}

var _ record.Store = (*Store)(nil)

// Open prepares a store at path. The file itself is created lazily by the
// first Append. If a previous process died mid-write and left a partial last
// record, it is truncated so the next run re-fetches it. Finding the record
// boundary reads the file once.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	s := &Store{
		path:   path,
		logger: logger.With().Str("store", "csv").Str("path", path).Logger(),
	}

	if err := s.repairTail(); err != nil {
		return nil, fmt.Errorf("repair store tail: %w", err)
	}

	return s, nil
}

// Path returns the file path backing the store.
func (s *Store) Path() string {
	return s.path
}

// Append writes records to the end of the file and fsyncs it.
func (s *Store) Append(ctx context.Context, records []record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open for append: %w", err)
	}

	w := csv.NewWriter(f)
	for _, r := range records {
		if err := w.Write(r.Fields()); err != nil {
			f.Close()
			return fmt.Errorf("write record %s: %w", r.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush records: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	s.logger.Debug().Int("records", len(records)).Msg("Appended records")
	return nil
}

// ReadLast returns the last record in the file, or nil if the file is
// missing or holds no records.
func (s *Store) ReadLast(ctx context.Context) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat store: %w", err)
	}
	if info.Size() == 0 {
		return nil, nil
	}

	line, err := tailLine(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("read tail: %w", err)
	}

	if line == "" || strings.ContainsRune(line, '"') {
		s.logger.Debug().Int64("size", info.Size()).Msg("Falling back to full scan for last record")
		return scanLast(f)
	}

	fields, err := newReader(strings.NewReader(line)).Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", record.ErrCorrupt, err)
	}

	rec, err := record.FromFields(fields)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Close is a no-op; the file is opened per operation.
func (s *Store) Close() error {
	return nil
}

// repairTail truncates whatever follows the last complete record: an
// unterminated final line, or a quoted field left open by an interrupted
// write even when the file happens to end in a newline.
func (s *Store) repairTail() error {
	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	keep, err := completeEnd(f)
	if err != nil {
		return err
	}
	if keep == size {
		return nil
	}

	s.logger.Warn().
		Int64("size", size).
		Int64("truncated_bytes", size-keep).
		Msg("Dropping partial last record left by an interrupted write")

	if err := f.Truncate(keep); err != nil {
		return err
	}
	return f.Sync()
}

// completeEnd returns the offset just past the last newline that lies outside
// a quoted field, or 0 if there is none. csv.Writer quotes every field that
// contains a quote and escapes inner quotes by doubling them, so the quote
// count seen so far is even exactly at positions between fields.
func completeEnd(r io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)

	var offset, end int64
	inQuotes := false
	for {
		n, err := r.Read(buf)
		for i, b := range buf[:n] {
			switch b {
			case '"':
				inQuotes = !inQuotes
			case '\n':
				if !inQuotes {
					end = offset + int64(i) + 1
				}
			}
		}
		offset += int64(n)

		if err == io.EOF {
			return end, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// tailLine returns the last non-empty physical line, reading backwards.
func tailLine(r io.ReaderAt, size int64) (string, error) {
	var buf []byte
	offset := size
	for offset > 0 {
		n := int64(chunkSize)
		if offset < n {
			n = offset
		}
		offset -= n

		chunk := make([]byte, n)
		if _, err := r.ReadAt(chunk, offset); err != nil && err != io.EOF {
			return "", err
		}
		buf = append(chunk, buf...)

		trimmed := bytes.TrimRight(buf, "\r\n")
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			return string(bytes.TrimRight(trimmed[i+1:], "\r")), nil
		}
	}
	return string(bytes.TrimRight(buf, "\r\n")), nil
}

// scanLast reads the whole file and returns its last record.
func scanLast(f *os.File) (*record.Record, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek store: %w", err)
	}

	reader := newReader(f)
	var last []string
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", record.ErrCorrupt, err)
		}
		last = fields
	}

	if last == nil {
		return nil, nil
	}

	rec, err := record.FromFields(last)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func newReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3
	reader.ReuseRecord = false
	return reader
}
