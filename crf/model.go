package crf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/happyhackingspace/seqtag/internal/trie"
)

// ModelVersion is written to and required from model files.
const ModelVersion = 100

// digestSize is the length of the xxhash64 trailer.
const digestSize = 8

// Model is a trained, immutable CRF. It is safe for concurrent use; each
// goroutine decodes with its own Tagger.
type Model struct {
	index *FeatureIndex
}

// modelFile is the serialized form: a msgpack array in field order,
// followed by a big-endian xxhash64 of the payload.
type modelFile struct {
	_          struct{} `msgpack:",as_array"`
	Version    int
	CostFactor float64
	MaxID      int
	Columns    int
	Tags       []string
	Unigrams   []string
	Bigrams    []string
	Base       []int32
	Check      []int32
	Weights    []float64
}

// NewTagger returns a decode tagger that scales every cost by costFactor.
func (m *Model) NewTagger(costFactor float64) (*Tagger, error) {
	if costFactor <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrCostFactor, costFactor)
	}
	return &Tagger{index: m.index, costFactor: costFactor}, nil
}

// Label decodes one sequence of input rows with the stored cost factor.
func (m *Model) Label(rows [][]string) ([]string, error) {
	t, err := m.NewTagger(m.index.costFactor)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if err := t.AddColumns(row); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	if err := t.Parse(); err != nil {
		return nil, err
	}
	return t.Tags(), nil
}

// Tags returns the tag vocabulary in ID order.
func (m *Model) Tags() []string { return m.index.Tags() }

// Columns returns the number of input columns each row must carry.
func (m *Model) Columns() int { return m.index.columns }

// MaxID returns the number of weights.
func (m *Model) MaxID() int { return m.index.MaxID() }

// CostFactor returns the stored default cost factor.
func (m *Model) CostFactor() float64 { return m.index.costFactor }

// Weights returns the weight vector. Callers must not modify it.
func (m *Model) Weights() []float64 { return m.index.weights }

// Templates returns the unigram and bigram template sources.
func (m *Model) Templates() (unigrams, bigrams []string) {
	return m.index.Unigrams(), m.index.Bigrams()
}

// EnableFeatureCache memoizes up to size feature lookups; size <= 0 turns
// the cache off. It may be called while other goroutines decode.
func (m *Model) EnableFeatureCache(size int) error {
	st, ok := m.index.res.(*staticTrie)
	if !ok {
		return ErrFrozen
	}
	if size <= 0 {
		st.cache.Store(nil)
		return nil
	}
	cache, err := lru.New[string, int](size)
	if err != nil {
		return fmt.Errorf("crf: feature cache: %w", err)
	}
	st.cache.Store(cache)
	return nil
}

// MarshalModel serializes the model.
func MarshalModel(model *Model) ([]byte, error) {
	st, ok := model.index.res.(*staticTrie)
	if !ok {
		return nil, fmt.Errorf("crf: model index is not frozen")
	}
	fi := model.index
	payload, err := msgpack.Marshal(&modelFile{
		Version:    ModelVersion,
		CostFactor: fi.costFactor,
		MaxID:      st.maxID,
		Columns:    fi.columns,
		Tags:       fi.Tags(),
		Unigrams:   fi.Unigrams(),
		Bigrams:    fi.Bigrams(),
		Base:       st.dat.Base(),
		Check:      st.dat.Check(),
		Weights:    fi.weights,
	})
	if err != nil {
		return nil, fmt.Errorf("crf: encode model: %w", err)
	}
	return binary.BigEndian.AppendUint64(payload, xxhash.Sum64(payload)), nil
}

// UnmarshalModel deserializes a model and verifies its checksum.
func UnmarshalModel(data []byte) (*Model, error) {
	if len(data) < digestSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrChecksum, len(data))
	}
	payload, trailer := data[:len(data)-digestSize], data[len(data)-digestSize:]
	if xxhash.Sum64(payload) != binary.BigEndian.Uint64(trailer) {
		return nil, ErrChecksum
	}

	var mf modelFile
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&mf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if mf.Version != ModelVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, mf.Version)
	}
	if mf.CostFactor <= 0 {
		return nil, fmt.Errorf("%w: stored %v", ErrCostFactor, mf.CostFactor)
	}
	if len(mf.Weights) != mf.MaxID {
		return nil, fmt.Errorf("%w: %d weights for max id %d", ErrFormat, len(mf.Weights), mf.MaxID)
	}
	if len(mf.Tags) == 0 {
		return nil, fmt.Errorf("%w: no tags", ErrFormat)
	}

	unigrams, err := compileAll(mf.Unigrams)
	if err != nil {
		return nil, err
	}
	bigrams, err := compileAll(mf.Bigrams)
	if err != nil {
		return nil, err
	}
	for _, t := range append(append([]*Template(nil), unigrams...), bigrams...) {
		if t.maxCol >= mf.Columns {
			return nil, fmt.Errorf("%w: %q references column %d of %d", ErrTemplate, t.raw, t.maxCol, mf.Columns)
		}
	}
	dat, err := trie.New(mf.Base, mf.Check)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	return &Model{index: &FeatureIndex{
		res:        &staticTrie{dat: dat, maxID: mf.MaxID},
		tags:       NewAlphabet(mf.Tags),
		unigrams:   unigrams,
		bigrams:    bigrams,
		columns:    mf.Columns,
		costFactor: mf.CostFactor,
		weights:    mf.Weights,
	}}, nil
}

// SaveModel writes the model to path atomically.
func SaveModel(model *Model, path string) error {
	data, err := MarshalModel(model)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("crf: save model: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("crf: save model: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("crf: save model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("crf: save model: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("crf: save model: %w", err)
	}
	return nil
}

// LoadModel reads a model written by SaveModel.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := UnmarshalModel(data)
	if err != nil {
		return nil, fmt.Errorf("crf: load %s: %w", path, err)
	}
	return m, nil
}
