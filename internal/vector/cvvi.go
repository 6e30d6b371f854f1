// Package vector implements CVVI, the versioned binary container for
// message embeddings. Layout: header (magic, version, precision,
// dimension, record count), then a content-hash lookup table, then the
// densely packed vector bytes. Vectors are deduplicated by content hash,
// so messages with identical normalized content share one record.
package vector

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/x448/float16"

	"github.com/cass-search/cass/internal/cerr"
)

// Format constants.
const (
	magic         = "CVVI"
	FormatVersion = 1

	headerSize = 20 // magic(4) + version(2) + precision(1) + pad(1) + dim(4) + count(8)
	entrySize  = 40 // hash(32) + offset(8)
	hashSize   = 32
)

// Precision selects the on-disk vector encoding.
type Precision uint8

const (
	// F32 stores full float32 components.
	F32 Precision = 0
	// F16 halves storage at the cost of approximate distances.
	F16 Precision = 1
)

// ParsePrecision maps the config strings "f32"/"f16".
func ParsePrecision(s string) (Precision, error) {
	switch s {
	case "", "f32":
		return F32, nil
	case "f16":
		return F16, nil
	}
	return F32, cerr.Newf(cerr.UsageError, "unknown vector precision %q", s)
}

func (p Precision) String() string {
	if p == F16 {
		return "f16"
	}
	return "f32"
}

// width returns bytes per component.
func (p Precision) width() int {
	if p == F16 {
		return 2
	}
	return 4
}

// Writer accumulates deduplicated vector records and writes a complete
// CVVI file atomically. It is used both for full rebuilds and for
// appending: an append loads the existing records first, adds the new
// ones, and replaces the file via rename.
type Writer struct {
	dim       int
	precision Precision
	order     []string // hex hashes in insertion order
	vectors   map[string][]float32
}

// NewWriter returns an empty writer for the given dimension and precision.
func NewWriter(dim int, precision Precision) *Writer {
	return &Writer{
		dim:       dim,
		precision: precision,
		vectors:   make(map[string][]float32),
	}
}

// Add records a vector under contentHash (hex). Re-adding an existing
// hash is a no-op: one stored vector per distinct content.
func (w *Writer) Add(contentHash string, vec []float32) error {
	if len(vec) != w.dim {
		return cerr.Newf(cerr.UsageError, "vector dimension %d, index expects %d", len(vec), w.dim)
	}
	if len(contentHash) != hashSize*2 {
		return cerr.Newf(cerr.UsageError, "content hash must be %d hex chars", hashSize*2)
	}
	if _, ok := w.vectors[contentHash]; ok {
		return nil
	}
	w.vectors[contentHash] = append([]float32(nil), vec...)
	w.order = append(w.order, contentHash)
	return nil
}

// Has reports whether contentHash already carries a vector.
func (w *Writer) Has(contentHash string) bool {
	_, ok := w.vectors[contentHash]
	return ok
}

// Len returns the number of records.
func (w *Writer) Len() int { return len(w.order) }

// WriteFile writes the container to path atomically (temp file + rename),
// so a reader of the old generation is never exposed to a partial file.
func (w *Writer) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("vector: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cvvi-*")
	if err != nil {
		return fmt.Errorf("vector: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	// The table is sorted by hash so lookups can binary-search the mmap.
	sorted := append([]string(nil), w.order...)
	sort.Strings(sorted)

	header := make([]byte, headerSize)
	copy(header, magic)
	binary.LittleEndian.PutUint16(header[4:], FormatVersion)
	header[6] = byte(w.precision)
	binary.LittleEndian.PutUint32(header[8:], uint32(w.dim))
	binary.LittleEndian.PutUint64(header[12:], uint64(len(sorted)))
	if _, err := tmp.Write(header); err != nil {
		return fmt.Errorf("vector: write header: %w", err)
	}

	recBytes := w.dim * w.precision.width()
	entry := make([]byte, entrySize)
	for i, h := range sorted {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != hashSize {
			return cerr.Newf(cerr.UsageError, "bad content hash %q", h)
		}
		copy(entry, raw)
		binary.LittleEndian.PutUint64(entry[hashSize:], uint64(i*recBytes))
		if _, err := tmp.Write(entry); err != nil {
			return fmt.Errorf("vector: write table: %w", err)
		}
	}

	buf := make([]byte, recBytes)
	for _, h := range sorted {
		encodeVector(buf, w.vectors[h], w.precision)
		if _, err := tmp.Write(buf); err != nil {
			return fmt.Errorf("vector: write vectors: %w", err)
		}
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("vector: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vector: close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("vector: rename: %w", err)
	}
	return nil
}

// LoadWriter opens an existing CVVI file into a Writer so new records can
// be appended and the file rewritten. A missing file yields an empty
// writer at the requested dimension.
func LoadWriter(path string, dim int, precision Precision) (*Writer, error) {
	idx, err := Open(path)
	if err != nil {
		if os.IsNotExist(err) || cerr.KindOf(err) == cerr.IndexMissing {
			return NewWriter(dim, precision), nil
		}
		return nil, err
	}
	defer idx.Close()

	if idx.Dimension() != dim {
		return nil, cerr.Newf(cerr.IncompatibleVersion,
			"existing vector index has dimension %d, config wants %d", idx.Dimension(), dim)
	}

	w := NewWriter(dim, precision)
	for i := 0; i < idx.Count(); i++ {
		h, vec := idx.record(i)
		if err := w.Add(h, vec); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func encodeVector(dst []byte, vec []float32, p Precision) {
	switch p {
	case F16:
		for i, v := range vec {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(float16.Fromfloat32(v)))
		}
	default:
		for i, v := range vec {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	}
}

func decodeVector(src []byte, dim int, p Precision) []float32 {
	out := make([]float32, dim)
	switch p {
	case F16:
		for i := range out {
			out[i] = float16.Float16(binary.LittleEndian.Uint16(src[i*2:])).Float32()
		}
	default:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	}
	return out
}
