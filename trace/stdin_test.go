package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicateOpposite(t *testing.T) {
	predicates := []Predicate{PredicateEQ, PredicateNE, PredicateLT, PredicateLE, PredicateGT, PredicateGE}
	for _, p := range predicates {
		t.Run(p.String(), func(t *testing.T) {
			assert.Equal(t, p, p.Opposite().Opposite())
			assert.NotEqual(t, p, p.Opposite())
		})
	}
}

func TestBitsBytesRoundTrip(t *testing.T) {
	t.Run("exact byte boundary", func(t *testing.T) {
		bits := []bool{true, false, true, true, false, false, false, true}
		data := ToBytesMSBFirst(bits)
		assert.Equal(t, []byte{0b10110001}, data)
		assert.Equal(t, bits, BitsFromBytesMSBFirst(data, len(bits)))
	})

	t.Run("padded final byte", func(t *testing.T) {
		bits := []bool{true, true, true}
		data := ToBytesMSBFirst(bits)
		assert.Len(t, data, 1)
		assert.Equal(t, byte(0b11100000), data[0])
		assert.Equal(t, bits, BitsFromBytesMSBFirst(data, len(bits)))
	})

	t.Run("empty", func(t *testing.T) {
		data := ToBytesMSBFirst(nil)
		assert.Empty(t, data)
		assert.Empty(t, BitsFromBytesMSBFirst(data, 0))
	})
}

func TestStdinChunks(t *testing.T) {
	s := Stdin{
		Bits:  make([]bool, 1+8+32),
		Types: []InputType{TypeBool, TypeU8, TypeU32},
	}
	chunks := s.Chunks()
	assert.Equal(t, []Chunk{
		{Type: TypeBool, Start: 0, End: 1},
		{Type: TypeU8, Start: 1, End: 9},
		{Type: TypeU32, Start: 9, End: 41},
	}, chunks)

	c, ok := s.ChunkAt(10)
	assert.True(t, ok)
	assert.Equal(t, TypeU32, c.Type)

	_, ok = s.ChunkAt(100)
	assert.False(t, ok)
}

func TestStdinWithFlippedBit(t *testing.T) {
	s := Stdin{Bits: []bool{false, true, false}, Types: []InputType{TypeU8}}
	flipped := s.WithFlippedBit(0)
	assert.True(t, flipped.Bits[0])
	assert.False(t, s.Bits[0], "original must not be mutated")
}

func TestRecordFiniteness(t *testing.T) {
	r := Record{Value: 3.5}
	assert.True(t, r.Finite())
	assert.Equal(t, 3.5, r.SummandValue())

	r.Value = -3.5
	assert.Equal(t, 3.5, r.SummandValue())
}
