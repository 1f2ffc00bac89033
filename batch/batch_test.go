package batch

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/apmrouter/wire"
)

// fortyByteSample encodes to a 40 byte record: 23 fixed bytes plus a 17 byte FQN.
func fortyByteSample(i int) wire.Sample {
	return wire.Sample{
		Host:      "h",
		Agent:     "a",
		Namespace: []string{"n"},
		Name:      fmt.Sprintf("sample%05d", i),
		Type:      wire.TypeGauge,
		Timestamp: int64(i),
		Value:     int64(i),
		Token:     wire.NoToken,
	}
}

func newBatch(t *testing.T, maxSize int, samples ...wire.Sample) *Batch {
	t.Helper()
	b, err := New(maxSize)
	require.NoError(t, err)
	for i := range samples {
		require.NoError(t, b.Append(&samples[i]))
	}
	return b
}

func collect(t *testing.T, s *Splitter) []*Chunk {
	t.Helper()
	var chunks []*Chunk
	for c := range s.All() {
		chunks = append(chunks, c)
	}
	require.NoError(t, s.Err())
	return chunks
}

func TestFortyByteSample(t *testing.T) {
	s := fortyByteSample(1)
	size, err := wire.NativeCodec.EncodedSize(&s)
	require.NoError(t, err)
	require.Equal(t, 40, size)
}

func TestBatch_Append(t *testing.T) {
	b := newBatch(t, 1024, fortyByteSample(0), fortyByteSample(1))

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, HeaderSize+80, b.Size())
	assert.Equal(t, wire.OpSendMetric, b.OpCode())

	frame, err := b.WireFormat()
	require.NoError(t, err)
	assert.Len(t, frame, b.Size())
	assert.Equal(t, []byte{0, 0, 0, 0, 2}, frame[:HeaderSize])

	op, samples, err := DecodeFrame(frame, nil)
	require.NoError(t, err)
	assert.Equal(t, wire.OpSendMetric, op)
	assert.Equal(t, []wire.Sample{fortyByteSample(0), fortyByteSample(1)}, samples)
}

func TestBatch_CapacityExceeded(t *testing.T) {
	b := newBatch(t, HeaderSize+80, fortyByteSample(0), fortyByteSample(1))
	before, err := b.WireFormat()
	require.NoError(t, err)

	s := fortyByteSample(2)
	err = b.Append(&s)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	assert.Equal(t, 2, b.Len())
	after, err := b.WireFormat()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestBatch_AppendEncodeError(t *testing.T) {
	b := newBatch(t, 1024)

	s := wire.Sample{Name: "n", Type: wire.TypeBlob, Raw: make([]byte, 300), Token: wire.NoToken}
	err := b.Append(&s)
	require.ErrorIs(t, err, wire.ErrValueTooLarge)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, HeaderSize, b.Size())
}

func TestNew_Options(t *testing.T) {
	b, err := New(100, WithOpCode(wire.OpSendMetricDirect), WithRoutingKey("web1/jvm"))
	require.NoError(t, err)
	assert.Equal(t, wire.OpSendMetricDirect, b.OpCode())
	assert.Equal(t, "web1/jvm", b.RoutingKey())
	assert.Equal(t, 100, b.MaxSize())

	_, err = New(HeaderSize)
	require.ErrorIs(t, err, ErrInvalidMaxSize)
}

func TestSplit_OneSamplePerChunk(t *testing.T) {
	b := newBatch(t, 1024, fortyByteSample(0), fortyByteSample(1), fortyByteSample(2))

	s, err := b.Split(50)
	require.NoError(t, err)
	chunks := collect(t, s)

	require.Len(t, chunks, 3)
	assert.Equal(t, 0, s.Dropped())
	for i, c := range chunks {
		assert.Equal(t, 1, c.Len())
		assert.LessOrEqual(t, c.Size(), 50)

		_, samples, err := DecodeFrame(c.Bytes(), nil)
		require.NoError(t, err)
		assert.Equal(t, []wire.Sample{fortyByteSample(i)}, samples)
	}
}

func TestSplit_PacksGreedily(t *testing.T) {
	var samples []wire.Sample
	for i := range 10 {
		samples = append(samples, fortyByteSample(i))
	}
	b := newBatch(t, 4096, samples...)

	s, err := b.Split(HeaderSize + 3*40)
	require.NoError(t, err)
	chunks := collect(t, s)

	var counts []int
	var decoded []wire.Sample
	for _, c := range chunks {
		counts = append(counts, c.Len())
		_, got, err := DecodeFrame(c.Bytes(), nil)
		require.NoError(t, err)
		decoded = append(decoded, got...)
	}
	assert.Equal(t, []int{3, 3, 3, 1}, counts)
	assert.Equal(t, samples, decoded)
}

func TestSplit_DropsOversizedRecords(t *testing.T) {
	big := wire.Sample{Host: "h", Agent: "a", Name: "blob", Type: wire.TypeBlob,
		Raw: bytes.Repeat([]byte("x"), 200), Token: wire.NoToken}

	b := newBatch(t, 4096, fortyByteSample(0), big, fortyByteSample(1), big, big)

	s, err := b.Split(100)
	require.NoError(t, err)
	chunks := collect(t, s)

	total := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, c.Size(), 100)
		total += c.Len()
	}
	assert.Equal(t, 3, s.Dropped())
	assert.Equal(t, 2, total)
	assert.Equal(t, b.Len(), total+s.Dropped())

	require.Len(t, chunks, 1)
	_, got, err := DecodeFrame(chunks[0].Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, []wire.Sample{fortyByteSample(0), fortyByteSample(1)}, got)
}

func TestSplit_Accounting(t *testing.T) {
	var samples []wire.Sample
	for i := range 50 {
		s := wire.Sample{Host: "h", Agent: "a", Name: "v", Type: wire.TypeString,
			Raw: bytes.Repeat([]byte("y"), (i*37)%256), Timestamp: int64(i), Token: wire.NoToken}
		samples = append(samples, s)
	}
	b := newBatch(t, 1<<20, samples...)

	for _, limit := range []int{HeaderSize + 1, 64, 128, 200, 300, 1472, 1 << 20} {
		t.Run(fmt.Sprint(limit), func(t *testing.T) {
			s, err := b.Split(limit)
			require.NoError(t, err)

			total := 0
			for c := range s.All() {
				require.LessOrEqual(t, c.Size(), limit)
				total += c.Len()
			}
			assert.Equal(t, b.Len(), total+s.Dropped())
		})
	}
}

func TestSplit_EmptyBatch(t *testing.T) {
	b := newBatch(t, 100)
	s, err := b.Split(50)
	require.NoError(t, err)

	_, ok := s.Next()
	assert.False(t, ok)
	assert.Equal(t, 0, s.Dropped())
}

func TestSplit_InvalidChunkSize(t *testing.T) {
	b := newBatch(t, 100)
	_, err := b.Split(HeaderSize)
	require.ErrorIs(t, err, ErrInvalidChunkSize)
}

func TestBatch_UseAfterRelease(t *testing.T) {
	b := newBatch(t, 1024, fortyByteSample(0))
	b.Release()
	b.Release()
	assert.True(t, b.Released())

	s := fortyByteSample(1)
	require.ErrorIs(t, b.Append(&s), ErrUseAfterRelease)

	_, err := b.WireFormat()
	require.ErrorIs(t, err, ErrUseAfterRelease)

	_, err = b.Split(100)
	require.ErrorIs(t, err, ErrUseAfterRelease)
}

func TestSplit_ReleasedMidway(t *testing.T) {
	b := newBatch(t, 1024, fortyByteSample(0), fortyByteSample(1))
	s, err := b.Split(50)
	require.NoError(t, err)

	_, ok := s.Next()
	require.True(t, ok)

	b.Release()
	_, ok = s.Next()
	assert.False(t, ok)
	require.ErrorIs(t, s.Err(), ErrUseAfterRelease)
}

func TestChunk_OwnsItsBytes(t *testing.T) {
	b := newBatch(t, 1024, fortyByteSample(0))
	s, err := b.Split(100)
	require.NoError(t, err)
	c, ok := s.Next()
	require.True(t, ok)

	b.Release()

	_, samples, err := DecodeFrame(c.Bytes(), nil)
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}
