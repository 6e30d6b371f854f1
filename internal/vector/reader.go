package vector

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"
	"os"
	"sort"

	"github.com/cass-search/cass/internal/cerr"
)

// Index is a read-only view over a CVVI file. The file is memory-mapped,
// so opening a large index is near-constant time and the OS pages vector
// data in on demand.
type Index struct {
	data      []byte
	mapped    bool
	precision Precision
	dim       int
	count     int
	table     []byte // count * entrySize
	vectors   []byte
}

// Hit is one semantically ranked record.
type Hit struct {
	MessageID string // hex content hash, which doubles as the message id
	Score     float64
}

// Open maps the CVVI file at path. A missing file is reported as
// IndexMissing; wrong magic or version as IncompatibleVersion; structural
// inconsistencies as DataCorruption.
func Open(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerr.New(cerr.IndexMissing, err)
		}
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size < headerSize {
		return nil, cerr.Newf(cerr.DataCorruption, "vector index truncated (%d bytes)", size)
	}

	data, mapped, err := mapFile(f, int(size))
	if err != nil {
		return nil, err
	}

	idx := &Index{data: data, mapped: mapped}
	if err := idx.parse(); err != nil {
		idx.Close()
		return nil, err
	}
	return idx, nil
}

func (ix *Index) parse() error {
	h := ix.data[:headerSize]
	if !bytes.Equal(h[:4], []byte(magic)) {
		return cerr.Newf(cerr.IncompatibleVersion, "not a CVVI file")
	}
	if v := binary.LittleEndian.Uint16(h[4:]); v != FormatVersion {
		return cerr.Newf(cerr.IncompatibleVersion, "CVVI format v%d, reader supports v%d", v, FormatVersion)
	}
	switch Precision(h[6]) {
	case F32, F16:
		ix.precision = Precision(h[6])
	default:
		return cerr.Newf(cerr.DataCorruption, "unknown precision byte %d", h[6])
	}
	ix.dim = int(binary.LittleEndian.Uint32(h[8:]))
	ix.count = int(binary.LittleEndian.Uint64(h[12:]))
	if ix.dim <= 0 {
		return cerr.Newf(cerr.DataCorruption, "invalid dimension %d", ix.dim)
	}

	tableEnd := headerSize + ix.count*entrySize
	vecBytes := ix.count * ix.dim * ix.precision.width()
	if int64(tableEnd+vecBytes) != int64(len(ix.data)) {
		return cerr.Newf(cerr.DataCorruption,
			"size mismatch: header promises %d records, file has %d bytes", ix.count, len(ix.data))
	}
	ix.table = ix.data[headerSize:tableEnd]
	ix.vectors = ix.data[tableEnd:]
	return nil
}

// Close unmaps the file. A closed index behaves as empty so a reader
// that raced the close misses instead of touching unmapped memory.
func (ix *Index) Close() error {
	var err error
	if ix.mapped {
		err = unmapFile(ix.data)
		ix.mapped = false
	}
	ix.data, ix.table, ix.vectors = nil, nil, nil
	ix.count = 0
	return err
}

// Count returns the number of stored vectors.
func (ix *Index) Count() int { return ix.count }

// Dimension returns the embedding width.
func (ix *Index) Dimension() int { return ix.dim }

// Precision returns the on-disk encoding.
func (ix *Index) Precision() Precision { return ix.precision }

// Has reports whether a vector exists for the hex content hash.
func (ix *Index) Has(contentHash string) bool {
	raw, err := hex.DecodeString(contentHash)
	if err != nil || len(raw) != hashSize {
		return false
	}
	return ix.find(raw) >= 0
}

// Vector returns the stored vector for the hex content hash, or nil.
func (ix *Index) Vector(contentHash string) []float32 {
	raw, err := hex.DecodeString(contentHash)
	if err != nil || len(raw) != hashSize {
		return nil
	}
	i := ix.find(raw)
	if i < 0 {
		return nil
	}
	_, vec := ix.record(i)
	return vec
}

// find binary-searches the sorted table for raw, returning the entry
// index or -1.
func (ix *Index) find(raw []byte) int {
	i := sort.Search(ix.count, func(i int) bool {
		return bytes.Compare(ix.table[i*entrySize:i*entrySize+hashSize], raw) >= 0
	})
	if i < ix.count && bytes.Equal(ix.table[i*entrySize:i*entrySize+hashSize], raw) {
		return i
	}
	return -1
}

// record decodes table entry i into its hex hash and vector.
func (ix *Index) record(i int) (string, []float32) {
	entry := ix.table[i*entrySize : (i+1)*entrySize]
	off := binary.LittleEndian.Uint64(entry[hashSize:])
	recBytes := ix.dim * ix.precision.width()
	vec := decodeVector(ix.vectors[off:off+uint64(recBytes)], ix.dim, ix.precision)
	return hex.EncodeToString(entry[:hashSize]), vec
}

// Search ranks all stored vectors against query by cosine similarity.
// Ties break on message id to keep the order total.
func (ix *Index) Search(query []float32, limit int) ([]Hit, error) {
	if len(query) != ix.dim {
		return nil, cerr.Newf(cerr.UsageError,
			"query dimension %d, index has %d", len(query), ix.dim)
	}
	qn := norm(query)
	if qn == 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, ix.count)
	for i := 0; i < ix.count; i++ {
		id, vec := ix.record(i)
		s := cosine(query, qn, vec)
		if s <= 0 {
			continue
		}
		hits = append(hits, Hit{MessageID: id, Score: s})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].MessageID < hits[j].MessageID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(q []float32, qn float64, v []float32) float64 {
	var dot, vn float64
	for i := range q {
		dot += float64(q[i]) * float64(v[i])
		vn += float64(v[i]) * float64(v[i])
	}
	if vn == 0 {
		return 0
	}
	return dot / (qn * math.Sqrt(vn))
}
