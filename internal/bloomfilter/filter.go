// Package bloomfilter implements the topic filter that nodes replicate to each
// other: a fixed-size bit array probed by k positions derived from one seeded
// xxh3 digest per topic.
package bloomfilter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/zeebo/errs"
	"github.com/zeebo/xxh3"
)

// Error is the error class for this package.
var Error = errs.Class("bloomfilter")

var (
	// ErrSizeMismatch is returned when two filters with different parameters are combined.
	ErrSizeMismatch = errors.New("filter size mismatch")
	// ErrInvalidParams is returned for parameters that cannot describe a filter.
	ErrInvalidParams = errors.New("invalid filter parameters")
)

// Params describes the shape of a filter. Filters can only be combined when
// their params are equal, so every node in a cluster must derive the same params.
type Params struct {
	Bits   uint32
	Hashes uint32
	Seed   uint64
}

// Optimal returns params for expectedElements at the target false positive rate.
func Optimal(expectedElements int, falsePositiveRate float64, seed uint64) Params {
	if expectedElements < 1 {
		expectedElements = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// https://en.wikipedia.org/wiki/Bloom_filter#Optimal_number_of_hash_functions
	n := float64(expectedElements)
	m := math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	words := uint32(math.Ceil(m / 64))
	if words == 0 {
		words = 1
	}
	size := words * 64

	k := uint32(math.Round(float64(size) / n * math.Ln2))
	if k < 1 {
		k = 1
	}

	return Params{Bits: size, Hashes: k, Seed: seed}
}

// Validate checks that params describe a usable filter.
func (p Params) Validate() error {
	if p.Bits == 0 || p.Bits%64 != 0 {
		return Error.Wrap(ErrInvalidParams)
	}
	if p.Hashes == 0 {
		return Error.Wrap(ErrInvalidParams)
	}
	return nil
}

// ByteSize is the length of the serialized bit array.
func (p Params) ByteSize() int {
	return int(p.Bits / 8)
}

// Filter is a Bloom filter over topic strings. It is not safe for concurrent
// mutation; treat a filter handed to another goroutine as read-only.
type Filter struct {
	params Params
	words  []uint64
}

// New returns an empty filter sized for expectedElements at falsePositiveRate.
func New(expectedElements int, falsePositiveRate float64) *Filter {
	return NewWithParams(Optimal(expectedElements, falsePositiveRate, 0))
}

// NewWithParams returns an empty filter with explicit params. Invalid params
// are rounded up to the smallest valid shape.
func NewWithParams(params Params) *Filter {
	if params.Bits%64 != 0 || params.Bits == 0 {
		params.Bits = (params.Bits/64 + 1) * 64
	}
	if params.Hashes == 0 {
		params.Hashes = 1
	}
	return &Filter{
		params: params,
		words:  make([]uint64, params.Bits/64),
	}
}

// FromBytes rebuilds a filter from its serialized bit array.
func FromBytes(params Params, data []byte) (*Filter, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(data) != params.ByteSize() {
		return nil, Error.Wrap(fmt.Errorf("expected %d bytes, got %d: %w", params.ByteSize(), len(data), ErrSizeMismatch))
	}

	filter := NewWithParams(params)
	for i := range filter.words {
		filter.words[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return filter, nil
}

// Params returns the shape of the filter.
func (filter *Filter) Params() Params { return filter.params }

// Add inserts topic into the filter.
func (filter *Filter) Add(topic string) {
	h1, h2 := filter.digest(topic)
	m := uint64(filter.params.Bits)
	for i := uint64(0); i < uint64(filter.params.Hashes); i++ {
		pos := (h1 + i*h2) % m
		filter.words[pos/64] |= 1 << (pos % 64)
	}
}

// AddAll inserts every topic.
func (filter *Filter) AddAll(topics ...string) {
	for _, topic := range topics {
		filter.Add(topic)
	}
}

// Contains reports whether topic may be in the set. It never returns false for
// a topic that was added to this filter or to any filter merged into it.
func (filter *Filter) Contains(topic string) bool {
	h1, h2 := filter.digest(topic)
	m := uint64(filter.params.Bits)
	for i := uint64(0); i < uint64(filter.params.Hashes); i++ {
		pos := (h1 + i*h2) % m
		if filter.words[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// ContainsAny reports whether any of topics may be in the set.
func (filter *Filter) ContainsAny(topics []string) bool {
	for _, topic := range topics {
		if filter.Contains(topic) {
			return true
		}
	}
	return false
}

// Union returns a new filter holding the bitwise OR of both filters.
func (filter *Filter) Union(other *Filter) (*Filter, error) {
	result := filter.Clone()
	if err := result.Merge(other); err != nil {
		return nil, err
	}
	return result, nil
}

// Merge ORs other into filter in place.
func (filter *Filter) Merge(other *Filter) error {
	if filter.params != other.params {
		return Error.Wrap(fmt.Errorf("%+v vs %+v: %w", filter.params, other.params, ErrSizeMismatch))
	}
	for i, word := range other.words {
		filter.words[i] |= word
	}
	return nil
}

// Clone returns a deep copy.
func (filter *Filter) Clone() *Filter {
	words := make([]uint64, len(filter.words))
	copy(words, filter.words)
	return &Filter{params: filter.params, words: words}
}

// Equal reports whether both filters have the same params and bits.
func (filter *Filter) Equal(other *Filter) bool {
	if other == nil || filter.params != other.params {
		return false
	}
	for i, word := range filter.words {
		if other.words[i] != word {
			return false
		}
	}
	return true
}

// Bytes serializes the bit array as little-endian 64-bit words. The result only
// depends on which bits are set, so merged filters compare equal byte for byte
// regardless of merge order.
func (filter *Filter) Bytes() []byte {
	out := make([]byte, len(filter.words)*8)
	for i, word := range filter.words {
		binary.LittleEndian.PutUint64(out[i*8:], word)
	}
	return out
}

// FillRatio is the fraction of set bits.
func (filter *Filter) FillRatio() float64 {
	set := 0
	for _, word := range filter.words {
		set += bits.OnesCount64(word)
	}
	return float64(set) / float64(filter.params.Bits)
}

// EstimatedFalsePositiveRate estimates the current false positive probability
// from the fill ratio.
func (filter *Filter) EstimatedFalsePositiveRate() float64 {
	return math.Pow(filter.FillRatio(), float64(filter.params.Hashes))
}

// digest derives the two probe seeds for double hashing. h2 is forced odd so
// the probe sequence does not collapse when m is a power of two.
func (filter *Filter) digest(topic string) (uint64, uint64) {
	sum := xxh3.HashString128Seed(topic, filter.params.Seed)
	return sum.Lo, sum.Hi | 1
}
