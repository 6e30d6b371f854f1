package embed

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/cass-search/cass/internal/cerr"
)

// WordVectors is an embedder backed by a word2vec-style text artifact:
// a header line "count dim" followed by one "word v1 .. vDim" line per
// word. Message vectors are the mean of the per-token vectors.
type WordVectors struct {
	dim      int
	vecs     map[string][]float32
	fallback *HashEmbedder
}

// LoadWordVectors reads the artifact at path and validates that its
// dimension matches the configured index dimension.
func LoadWordVectors(path string, dim int) (*WordVectors, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !sc.Scan() {
		return nil, cerr.Newf(cerr.DataCorruption, "model %s: empty file", path)
	}
	header := strings.Fields(sc.Text())
	if len(header) != 2 {
		return nil, cerr.Newf(cerr.DataCorruption, "model %s: bad header %q", path, sc.Text())
	}
	count, err := strconv.Atoi(header[0])
	if err != nil {
		return nil, cerr.Newf(cerr.DataCorruption, "model %s: bad word count %q", path, header[0])
	}
	modelDim, err := strconv.Atoi(header[1])
	if err != nil {
		return nil, cerr.Newf(cerr.DataCorruption, "model %s: bad dimension %q", path, header[1])
	}
	if modelDim != dim {
		return nil, cerr.Newf(cerr.IncompatibleVersion,
			"model %s has dimension %d, index expects %d", path, modelDim, dim)
	}

	wv := &WordVectors{
		dim:      dim,
		vecs:     make(map[string][]float32, count),
		fallback: NewHashEmbedder(dim),
	}
	line := 1
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != dim+1 {
			return nil, cerr.Newf(cerr.DataCorruption,
				"model %s line %d: expected %d components, got %d", path, line, dim, len(fields)-1)
		}
		vec := make([]float32, dim)
		for i, fld := range fields[1:] {
			v, err := strconv.ParseFloat(fld, 32)
			if err != nil {
				return nil, cerr.Newf(cerr.DataCorruption,
					"model %s line %d: bad component %q", path, line, fld)
			}
			vec[i] = float32(v)
		}
		wv.vecs[strings.ToLower(fields[0])] = vec
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return wv, nil
}

func (wv *WordVectors) Dimension() int { return wv.dim }

func (wv *WordVectors) Name() string { return "wordvec" }

// Words returns the vocabulary size.
func (wv *WordVectors) Words() int { return len(wv.vecs) }

// Embed mean-pools the vectors of the known tokens. Text with no known
// token falls back to the hashing projection so it still gets a vector.
func (wv *WordVectors) Embed(text string) []float32 {
	vec := make([]float32, wv.dim)
	known := 0
	for _, tok := range tokens(text) {
		tv, ok := wv.vecs[tok]
		if !ok {
			continue
		}
		known++
		for i, v := range tv {
			vec[i] += v
		}
	}
	if known == 0 {
		return wv.fallback.Embed(text)
	}
	inv := float32(1) / float32(known)
	for i := range vec {
		vec[i] *= inv
	}
	normalize(vec)
	return vec
}
