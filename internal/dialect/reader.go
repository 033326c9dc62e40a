// Package dialect implements the two-header CSV dialect used by every engine
// file: the first row carries column names, the second the two-letter type
// abbreviations, and every field on every row is quoted. Values never contain
// line breaks (writers strip them), so each row is exactly one line and a
// byte offset addresses a row directly.
package dialect

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Options configure the quote, escape and delimiter characters. The zero
// value is not useful - call DefaultOptions.
type Options struct {
	Quote     byte
	Escape    byte
	Delimiter byte
}

// DefaultOptions returns the standard dialect: '"' quoted, '"' escaped,
// comma delimited.
func DefaultOptions() Options {
	return Options{Quote: '"', Escape: '"', Delimiter: ','}
}

// Reader streams rows from a dialect file and reports the byte offset each
// row started at, so grouping indexes can seek straight back to a row.
type Reader struct {
	f      *os.File
	br     *bufio.Reader
	opts   Options
	offset int64

	// Header rows, populated by Open.
	Columns []string
	Types   []string
}

// Open opens a dialect file and consumes both header rows.
func Open(path string, opts Options) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r := &Reader{f: f, br: bufio.NewReaderSize(f, 64*1024), opts: opts}
	if err := r.readHeaders(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func (r *Reader) readHeaders() error {
	cols, _, err := r.Read()
	if err != nil {
		return fmt.Errorf("missing column header row: %w", err)
	}
	types, _, err := r.Read()
	if err != nil {
		return fmt.Errorf("missing type header row: %w", err)
	}
	if len(types) != len(cols) {
		return fmt.Errorf("type row has %d fields, column row has %d", len(types), len(cols))
	}
	r.Columns = cols
	r.Types = types
	return nil
}

// Read returns the next row's fields and the byte offset the row began at.
// io.EOF is returned once the file is exhausted.
func (r *Reader) Read() ([]string, int64, error) {
	start := r.offset
	line, err := r.br.ReadString('\n')
	if err == io.EOF && line == "" {
		return nil, start, io.EOF
	}
	if err != nil && err != io.EOF {
		return nil, start, err
	}
	r.offset += int64(len(line))

	fields, perr := r.parseLine(strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"))
	if perr != nil {
		return nil, start, fmt.Errorf("offset %d: %w", start, perr)
	}
	return fields, start, nil
}

// Seek positions the reader at a byte offset previously returned by Read.
func (r *Reader) Seek(offset int64) error {
	if _, err := r.f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	r.br.Reset(r.f)
	r.offset = offset
	return nil
}

// ReadAt seeks to the offset and reads a single row.
func (r *Reader) ReadAt(offset int64) ([]string, error) {
	if err := r.Seek(offset); err != nil {
		return nil, err
	}
	fields, _, err := r.Read()
	return fields, err
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// parseLine splits one row. Every field must be quoted; the escape character
// inside a quoted field escapes the quote.
func (r *Reader) parseLine(line string) ([]string, error) {
	var fields []string
	var buf strings.Builder
	i := 0

	for {
		if i >= len(line) || line[i] != r.opts.Quote {
			return nil, fmt.Errorf("expected opening quote at column %d", i)
		}
		i++

		buf.Reset()
		for {
			if i >= len(line) {
				return nil, fmt.Errorf("unterminated quoted field")
			}
			c := line[i]

			if c == r.opts.Escape && i+1 < len(line) && line[i+1] == r.opts.Quote {
				buf.WriteByte(r.opts.Quote)
				i += 2
				continue
			}
			if c == r.opts.Quote {
				i++
				break
			}
			buf.WriteByte(c)
			i++
		}
		fields = append(fields, buf.String())

		if i == len(line) {
			return fields, nil
		}
		if line[i] != r.opts.Delimiter {
			return nil, fmt.Errorf("expected delimiter at column %d", i)
		}
		i++
	}
}
