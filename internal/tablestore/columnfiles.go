package tablestore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/calvinalkan/qdbingest/internal/facade"
	"github.com/calvinalkan/qdbingest/internal/oooplan"
	"github.com/calvinalkan/qdbingest/internal/wire"
)

// columnFiles holds the open fds for one column's on-disk layout (spec §6):
// <col>.d (fixed data or var blob), <col>.i (var index, STRING/BINARY only),
// <col>.top (row count at which the column started to exist).
type columnFiles struct {
	name  string
	typ   wire.ColumnType
	index int

	dataFd int
	idxFd  int // -1 for fixed-width columns
	top    int64
}

func columnPaths(tableDir, name string) (data, idx, top string) {
	base := filepath.Join(tableDir, name)
	return base + ".d", base + ".i", base + ".top"
}

// createColumnFiles creates a brand new column's files: <col>.top = top
// (normally 0 at table creation, or the current row count when added via
// AddColumn), and a zero-length .d/.i.
func createColumnFiles(io facade.FileIO, tableDir, name string, typ wire.ColumnType, index int, top int64) error {
	dataPath, idxPath, topPath := columnPaths(tableDir, name)

	dataFd, err := io.OpenRW(dataPath)
	if err != nil {
		return fmt.Errorf("tablestore: create %s: %w", dataPath, err)
	}
	_ = io.Close(dataFd)

	if _, fixed := typ.FixedWidth(); !fixed {
		idxFd, err := io.OpenRW(idxPath)
		if err != nil {
			return fmt.Errorf("tablestore: create %s: %w", idxPath, err)
		}
		_ = io.Close(idxFd)
	}

	if err := writeTopFile(topPath, top); err != nil {
		return err
	}

	return nil
}

func writeTopFile(path string, top int64) error {
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(top >> (8 * i))
	}
	if err := os.WriteFile(path, buf[:], 0o644); err != nil {
		return fmt.Errorf("tablestore: write %s: %w", path, err)
	}
	return nil
}

func readTopFile(path string) (int64, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("tablestore: read %s: %w", path, err)
	}
	if len(buf) < 8 {
		return 0, fmt.Errorf("tablestore: %s: truncated top file", path)
	}
	var top int64
	for i := 7; i >= 0; i-- {
		top = top<<8 | int64(buf[i])
	}
	return top, nil
}

// openColumnFiles opens an existing column's .d/.i fds and reads its .top.
func openColumnFiles(io facade.FileIO, tableDir string, row columnRow) (*columnFiles, error) {
	dataPath, idxPath, topPath := columnPaths(tableDir, row.name)
	typ := wire.ColumnType(row.typ)

	dataFd, err := io.OpenRW(dataPath)
	if err != nil {
		return nil, fmt.Errorf("tablestore: open %s: %w", dataPath, err)
	}

	idxFd := -1
	if _, fixed := typ.FixedWidth(); !fixed {
		idxFd, err = io.OpenRW(idxPath)
		if err != nil {
			_ = io.Close(dataFd)
			return nil, fmt.Errorf("tablestore: open %s: %w", idxPath, err)
		}
	}

	top, err := readTopFile(topPath)
	if err != nil {
		return nil, err
	}

	return &columnFiles{
		name:   row.name,
		typ:    typ,
		index:  row.index,
		dataFd: dataFd,
		idxFd:  idxFd,
		top:    top,
	}, nil
}

func (c *columnFiles) close(io facade.FileIO) error {
	err1 := io.Close(c.dataFd)
	var err2 error
	if c.idxFd >= 0 {
		err2 = io.Close(c.idxFd)
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// createTsFile creates the hidden per-table timestamp file (tsColumnName)
// used to detect and merge out-of-order rows (spec §4.5).
func createTsFile(io facade.FileIO, tableDir string) error {
	path, _, _ := columnPaths(tableDir, tsColumnName)
	fd, err := io.OpenRW(path)
	if err != nil {
		return fmt.Errorf("tablestore: create %s: %w", path, err)
	}
	return io.Close(fd)
}

// openTsFile opens an existing table's hidden timestamp file.
func openTsFile(io facade.FileIO, tableDir string) (int, error) {
	path, _, _ := columnPaths(tableDir, tsColumnName)
	fd, err := io.OpenRW(path)
	if err != nil {
		return -1, fmt.Errorf("tablestore: open %s: %w", path, err)
	}
	return fd, nil
}

// fillNullFixed writes one row of its type's null sentinel into a
// fixed-width column's .d file at row rowOffset, used when an appended row
// omits the column (spec §4.5 setNull).
func fillNullFixed(io facade.FileIO, fd int, typ wire.ColumnType, rowOffset int64) error {
	width, _ := typ.FixedWidth()
	buf := make([]byte, width)
	oooplan.SetNull(typ, buf)
	_, err := io.Write(fd, buf, rowOffset*int64(width))
	return err
}
