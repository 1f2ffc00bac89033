package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeSample() Sample {
	return Sample{
		Type:      TypeGauge,
		Namespace: []string{"host=h1", "agent=a1"},
		Name:      "Free",
		Value:     42,
		Timestamp: 1000,
		Token:     NoToken,
	}
}

func TestCodec_RoundTripMappedGauge(t *testing.T) {
	s := gaugeSample()

	rec, err := NativeCodec.Encode(&s)
	require.NoError(t, err)

	got, err := Decode(rec, nil)
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, "//host=h1/agent=a1:Free", got.Identity().FQN())
}

func TestCodec_RoundTrip(t *testing.T) {
	samples := map[string]Sample{
		"counter": {Host: "web1", Agent: "jvm", Namespace: []string{"heap", "used"}, Name: "Bytes",
			Type: TypeCounter, Timestamp: 1700000000000, Value: 1 << 40, Token: NoToken},
		"negative delta": {Host: "web1", Agent: "jvm", Name: "Threads",
			Type: TypeDelta, Timestamp: -5, Value: -17, Token: NoToken},
		"string": {Host: "db", Agent: "pg", Namespace: []string{"role=primary"}, Name: "Status",
			Type: TypeString, Timestamp: 12, Raw: []byte("accepting connections"), Token: NoToken},
		"empty blob": {Host: "db", Agent: "pg", Name: "Dump",
			Type: TypeBlob, Timestamp: 12, Token: NoToken},
		"max blob": {Host: "db", Agent: "pg", Name: "Dump",
			Type: TypeBlob, Timestamp: 12, Raw: bytes.Repeat([]byte{0xff}, MaxRawValueSize), Token: NoToken},
		"unicode": {Host: "hôte", Agent: "agent", Namespace: []string{"zone=東京"}, Name: "Température",
			Type: TypeGauge, Timestamp: 99, Value: 21, Token: NoToken},
	}

	orders := map[string]binary.ByteOrder{
		"little": binary.LittleEndian,
		"big":    binary.BigEndian,
	}

	for name, s := range samples {
		for orderName, order := range orders {
			t.Run(name+"/"+orderName, func(t *testing.T) {
				codec := NewCodec(order)

				size, err := codec.EncodedSize(&s)
				require.NoError(t, err)

				rec, err := codec.Encode(&s)
				require.NoError(t, err)
				require.Len(t, rec, size)

				got, err := Decode(rec, nil)
				require.NoError(t, err)
				assert.Equal(t, s, got)
			})
		}
	}
}

func TestCodec_Layout(t *testing.T) {
	s := Sample{Host: "h", Agent: "a", Name: "n", Type: TypeCounter, Timestamp: 1, Value: 2, Token: NoToken}

	rec, err := NewCodec(binary.BigEndian).Encode(&s)
	require.NoError(t, err)

	want := []byte{
		1,          // big-endian
		0,          // full identity
		0,          // counter
		0, 0, 0, 5, // fqn length
		'h', '/', 'a', ':', 'n',
		0, 0, 0, 0, 0, 0, 0, 1, // timestamp
		0, 0, 0, 0, 0, 0, 0, 2, // value
	}
	assert.Equal(t, want, rec)

	rec, err = NewCodec(binary.LittleEndian).Encode(&s)
	require.NoError(t, err)
	assert.Equal(t, byte(0), rec[0])
	assert.Equal(t, []byte{5, 0, 0, 0}, rec[3:7])
}

func TestCodec_TokenRecord(t *testing.T) {
	catalog := NewCatalog()
	s := Sample{Host: "web1", Agent: "jvm", Namespace: []string{"gc"}, Name: "Pauses",
		Type: TypeIncrement, Timestamp: 77, Value: 3}

	token, err := catalog.Register(s.Identity())
	require.NoError(t, err)
	s.Token = token

	rec, err := NativeCodec.Encode(&s)
	require.NoError(t, err)
	assert.Len(t, rec, sizeOrder+sizeMode+sizeToken+sizeTimestamp+sizeNumeric)
	assert.Equal(t, modeToken, rec[1])

	got, err := Decode(rec, catalog)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	t.Run("decoded namespace is not shared", func(t *testing.T) {
		got, err := Decode(rec, catalog)
		require.NoError(t, err)
		got.Namespace[0] = "mutated"

		id, ok := catalog.Resolve(token)
		require.True(t, ok)
		assert.Equal(t, []string{"gc"}, id.Namespace)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := Decode(rec, NewCatalog())
		require.ErrorIs(t, err, ErrMalformed)
		require.ErrorIs(t, err, ErrUnknownToken)
	})

	t.Run("nil resolver", func(t *testing.T) {
		_, err := Decode(rec, nil)
		require.ErrorIs(t, err, ErrUnknownToken)
	})
}

func TestCodec_EncodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		sample Sample
		is     error
	}{
		{
			name:   "raw value over limit",
			sample: Sample{Host: "h", Agent: "a", Name: "n", Type: TypeString, Raw: make([]byte, 300), Token: NoToken},
			is:     ErrValueTooLarge,
		},
		{
			name:   "no token and no name",
			sample: Sample{Host: "h", Agent: "a", Type: TypeGauge, Token: NoToken},
			is:     ErrMalformed,
		},
		{
			name:   "invalid token",
			sample: Sample{Name: "n", Type: TypeGauge, Token: -2},
			is:     ErrMalformed,
		},
		{
			name:   "unknown type",
			sample: Sample{Name: "n", Type: Type(200), Token: NoToken},
			is:     ErrMalformed,
		},
		{
			name:   "mixed namespace",
			sample: Sample{Name: "n", Namespace: []string{"a=b", "c"}, Token: NoToken},
			is:     ErrMalformed,
		},
		{
			name:   "delimiter in name",
			sample: Sample{Name: "a:b", Token: NoToken},
			is:     ErrMalformed,
		},
		{
			name:   "delimiter in host",
			sample: Sample{Host: "a/b", Name: "n", Token: NoToken},
			is:     ErrMalformed,
		},
		{
			name:   "empty namespace entry",
			sample: Sample{Name: "n", Namespace: []string{"a", ""}, Token: NoToken},
			is:     ErrMalformed,
		},
		{
			name:   "invalid utf8",
			sample: Sample{Name: "\xff", Token: NoToken},
			is:     ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := NativeCodec.Encode(&tt.sample)
			require.ErrorIs(t, err, tt.is)
			assert.Nil(t, rec)

			var codecErr *CodecError
			require.ErrorAs(t, err, &codecErr)
			assert.Equal(t, Malformed, codecErr.Kind)

			dst := []byte{9}
			out, err := NativeCodec.AppendEncode(dst, &tt.sample)
			require.Error(t, err)
			assert.Equal(t, dst, out)
		})
	}
}

func TestCodec_TokenRecordIgnoresIdentity(t *testing.T) {
	// Only the token is sent, so an invalid identity does not matter.
	s := Sample{Name: "a:b", Type: TypeGauge, Token: 7, Value: 1}

	rec, err := NativeCodec.Encode(&s)
	require.NoError(t, err)
	assert.Equal(t, modeToken, rec[1])
}

func TestDecode_Truncated(t *testing.T) {
	s := Sample{Host: "h", Agent: "a", Name: "n", Type: TypeString, Raw: []byte("value"), Timestamp: 1, Token: NoToken}
	rec, err := NativeCodec.Encode(&s)
	require.NoError(t, err)

	for i := 0; i < len(rec); i++ {
		got, err := Decode(rec[:i], nil)
		require.ErrorIs(t, err, ErrTruncated, "prefix of %d bytes", i)
		assert.Equal(t, Sample{}, got)
	}
}

func TestDecode_Malformed(t *testing.T) {
	s := Sample{Host: "h", Agent: "a", Name: "n", Type: TypeGauge, Timestamp: 1, Token: NoToken}
	rec, err := NewCodec(binary.BigEndian).Encode(&s)
	require.NoError(t, err)

	mutate := func(f func(b []byte) []byte) []byte {
		return f(append([]byte(nil), rec...))
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"bad order marker", mutate(func(b []byte) []byte { b[0] = 2; return b })},
		{"bad mode", mutate(func(b []byte) []byte { b[1] = 7; return b })},
		{"unknown type", mutate(func(b []byte) []byte { b[2] = 99; return b })},
		{"fqn without name", mutate(func(b []byte) []byte { b[10] = '/'; return b })},
		{"fqn length over limit", mutate(func(b []byte) []byte { b[3] = 1; return b })},
		{"trailing bytes", mutate(func(b []byte) []byte { return append(b, 0) })},
		{"negative token", []byte{0, 1, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.data, nil)
			require.ErrorIs(t, err, ErrMalformed)
			assert.Equal(t, Sample{}, got)
			assert.True(t, ShouldCloseConnection(err))
		})
	}
}

func TestDecodeNext_Sequence(t *testing.T) {
	var buf []byte
	var want []Sample
	for i := range 5 {
		s := Sample{Host: "h", Agent: "a", Name: "n", Type: TypeCounter, Timestamp: int64(i), Value: int64(i * 10), Token: NoToken}
		var err error
		buf, err = NativeCodec.AppendEncode(buf, &s)
		require.NoError(t, err)
		want = append(want, s)
	}

	var got []Sample
	for len(buf) > 0 {
		s, n, err := DecodeNext(buf, nil)
		require.NoError(t, err)
		got = append(got, s)
		buf = buf[n:]
	}
	assert.Equal(t, want, got)
}

func TestDecoder_Stream(t *testing.T) {
	catalog := NewCatalog()
	token, err := catalog.Register(Identity{Host: "h", Agent: "a", Name: "msg", Type: TypeString})
	require.NoError(t, err)

	samples := []Sample{
		{Host: "h", Agent: "a", Name: "n", Type: TypeGauge, Timestamp: 1, Value: 5, Token: NoToken},
		{Host: "h", Agent: "a", Name: "msg", Type: TypeString, Timestamp: 2, Raw: []byte("hi"), Token: token},
		{Host: "h", Agent: "a", Namespace: []string{"x"}, Name: "n", Type: TypeBlob, Timestamp: 3, Token: NoToken},
	}

	var stream []byte
	for i, s := range samples {
		codec := NewCodec(binary.LittleEndian)
		if i%2 == 1 {
			codec = NewCodec(binary.BigEndian)
		}
		stream, err = codec.AppendEncode(stream, &s)
		require.NoError(t, err)
	}

	dec := NewDecoder(bytes.NewReader(stream), catalog)
	for _, want := range samples {
		got, err := dec.Decode()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err = dec.Decode()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoder_TruncatedStream(t *testing.T) {
	s := Sample{Host: "h", Agent: "a", Name: "n", Type: TypeGauge, Timestamp: 1, Token: NoToken}
	rec, err := NativeCodec.Encode(&s)
	require.NoError(t, err)

	dec := NewDecoder(bytes.NewReader(rec[:len(rec)-3]), nil)
	_, err = dec.Decode()
	require.ErrorIs(t, err, ErrTruncated)
	require.False(t, errors.Is(err, io.EOF))
}

func TestType(t *testing.T) {
	numeric := []Type{TypeCounter, TypeGauge, TypeDelta, TypeIncrement, TypeInterval}
	for _, ty := range numeric {
		assert.True(t, ty.IsNumeric(), ty.String())
	}
	for _, ty := range []Type{TypeString, TypeBlob, TypeError} {
		assert.False(t, ty.IsNumeric(), ty.String())
	}

	ty, ok := ParseType("GAUGE")
	require.True(t, ok)
	assert.Equal(t, TypeGauge, ty)

	_, ok = ParseType("gauge")
	assert.False(t, ok)
	assert.Equal(t, "Type(42)", Type(42).String())
}
