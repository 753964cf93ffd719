package lsm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloomFilter_NoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)

	keys := make([][]byte, 500)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		bf.Insert(keys[i])
	}

	for _, k := range keys {
		assert.True(t, bf.MaybeContains(k), "false negative for %s", k)
	}
}

func TestBloomFilter_FalsePositiveRateIsReasonable(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Insert([]byte(fmt.Sprintf("present-%d", i)))
	}

	falsePositives := 0
	trials := 5000
	for i := 0; i < trials; i++ {
		if bf.MaybeContains([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	assert.Less(t, rate, 0.05, "observed false-positive rate %.4f far exceeds configured 0.01", rate)
}

func TestBloomFilter_MarshalRoundTrip(t *testing.T) {
	bf := NewBloomFilter(200, 0.02)
	for i := 0; i < 150; i++ {
		bf.Insert([]byte(fmt.Sprintf("k%d", i)))
	}

	data := bf.MarshalBinary()

	restored := &BloomFilter{}
	require.NoError(t, restored.UnmarshalBinary(data))

	for i := 0; i < 150; i++ {
		assert.True(t, restored.MaybeContains([]byte(fmt.Sprintf("k%d", i))))
	}
	assert.Equal(t, bf.Size(), restored.Size())
	assert.Equal(t, bf.HashCount(), restored.HashCount())
}

func TestBloomFilter_UnmarshalRejectsTruncatedPayload(t *testing.T) {
	bf := &BloomFilter{}
	err := bf.UnmarshalBinary([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestBloomFilter_DegenerateSizesDoNotPanic(t *testing.T) {
	bf := NewBloomFilter(0, 0)
	bf.Insert([]byte("x"))
	assert.True(t, bf.MaybeContains([]byte("x")))
}
