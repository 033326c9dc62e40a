package sorter

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Spill-run format: a flat sequence of entries, each a uvarint key length,
// the key bytes, then uvarint file/row/data-offset and a zigzag varint
// derived-offset (it is -1 until a derive phase has run). Runs are written
// sequentially and fsynced on close.

func writeRun(path string, entries []Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(f, 256*1024)
	var scratch [binary.MaxVarintLen64]byte

	putUvarint := func(v uint64) error {
		n := binary.PutUvarint(scratch[:], v)
		_, err := bw.Write(scratch[:n])
		return err
	}

	for _, e := range entries {
		if err := putUvarint(uint64(len(e.Key))); err != nil {
			return err
		}
		if _, err := bw.Write(e.Key); err != nil {
			return err
		}
		if err := putUvarint(uint64(e.FileIdx)); err != nil {
			return err
		}
		if err := putUvarint(uint64(e.Row)); err != nil {
			return err
		}
		if err := putUvarint(uint64(e.DataOff)); err != nil {
			return err
		}
		n := binary.PutVarint(scratch[:], e.DerivedOff)
		if _, err := bw.Write(scratch[:n]); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// runReader streams one spill run back.
type runReader struct {
	f  *os.File
	br *bufio.Reader
}

func openRun(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &runReader{f: f, br: bufio.NewReaderSize(f, 256*1024)}, nil
}

func (r *runReader) Close() error {
	return r.f.Close()
}

// Next decodes the next entry; ok=false at a clean end of file.
func (r *runReader) Next() (Entry, bool, error) {
	keyLen, err := binary.ReadUvarint(r.br)
	if err == io.EOF {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("corrupt spill run: %w", err)
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r.br, key); err != nil {
		return Entry{}, false, fmt.Errorf("corrupt spill run: %w", err)
	}

	fileIdx, err := binary.ReadUvarint(r.br)
	if err != nil {
		return Entry{}, false, fmt.Errorf("corrupt spill run: %w", err)
	}
	row, err := binary.ReadUvarint(r.br)
	if err != nil {
		return Entry{}, false, fmt.Errorf("corrupt spill run: %w", err)
	}
	dataOff, err := binary.ReadUvarint(r.br)
	if err != nil {
		return Entry{}, false, fmt.Errorf("corrupt spill run: %w", err)
	}
	derivedOff, err := binary.ReadVarint(r.br)
	if err != nil {
		return Entry{}, false, fmt.Errorf("corrupt spill run: %w", err)
	}

	return Entry{
		Key:        key,
		FileIdx:    int(fileIdx),
		Row:        int(row),
		DataOff:    int64(dataOff),
		DerivedOff: derivedOff,
	}, true, nil
}
