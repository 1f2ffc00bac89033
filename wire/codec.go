package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// Resolver maps tokens back to the identity they were assigned for. The
// returned identity must not share its namespace with the resolver.
type Resolver interface {
	Resolve(token int64) (Identity, bool)
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Codec encodes samples into records using one byte order. Decoding never
// needs a Codec: every record carries its own byte order marker.
type Codec struct {
	order     byteOrder
	orderByte byte
}

// NativeCodec encodes with the byte order of the running process.
var NativeCodec = NewCodec(binary.NativeEndian)

// NewCodec returns a codec writing records in the given byte order.
func NewCodec(order binary.ByteOrder) Codec {
	le := []byte{1, 0}
	if order.Uint16(le) == 1 {
		return Codec{order: binary.LittleEndian, orderByte: orderLittleEndian}
	}
	return Codec{order: binary.BigEndian, orderByte: orderBigEndian}
}

// ByteOrder returns the byte order records are written in.
func (c Codec) ByteOrder() binary.ByteOrder {
	if c.order == nil {
		return NativeCodec.order
	}
	return c.order
}

func (c Codec) orDefault() Codec {
	if c.order == nil {
		return NativeCodec
	}
	return c
}

// EncodedSize returns the size of the record Encode would produce for s.
func (c Codec) EncodedSize(s *Sample) (int, error) {
	if err := checkEncodable(s); err != nil {
		return 0, err
	}
	return recordSize(s), nil
}

func recordSize(s *Sample) int {
	n := sizeOrder + sizeMode
	if s.HasToken() {
		n += sizeToken
	} else {
		n += sizeType + sizeFQNLen + s.Identity().fqnLen()
	}
	n += sizeTimestamp
	if s.Type.IsNumeric() {
		n += sizeNumeric
	} else {
		n += sizeRawLen + len(s.Raw)
	}
	return n
}

func checkEncodable(s *Sample) error {
	switch {
	case s.Token < NoToken:
		return malformedf("token", "negative token %d", s.Token)
	case !s.Type.Valid():
		return malformedf("type", "unknown type %d", s.Type)
	case !s.Type.IsNumeric() && len(s.Raw) > MaxRawValueSize:
		return malformed("value", ErrValueTooLarge)
	}
	if !s.HasToken() {
		return s.Identity().Validate()
	}
	return nil
}

// Encode returns the record for s.
func (c Codec) Encode(s *Sample) ([]byte, error) {
	if err := checkEncodable(s); err != nil {
		return nil, err
	}
	return c.appendRecord(make([]byte, 0, recordSize(s)), s), nil
}

// AppendEncode appends the record for s to dst. On error dst is returned
// unchanged.
func (c Codec) AppendEncode(dst []byte, s *Sample) ([]byte, error) {
	if err := checkEncodable(s); err != nil {
		return dst, err
	}
	return c.appendRecord(dst, s), nil
}

func (c Codec) appendRecord(dst []byte, s *Sample) []byte {
	c = c.orDefault()

	dst = append(dst, c.orderByte)
	if s.HasToken() {
		dst = append(dst, modeToken)
		dst = c.order.AppendUint64(dst, uint64(s.Token))
	} else {
		id := s.Identity()
		dst = append(dst, modeIdentity, byte(s.Type))
		dst = c.order.AppendUint32(dst, uint32(id.fqnLen()))
		dst = id.appendFQN(dst)
	}
	dst = c.order.AppendUint64(dst, uint64(s.Timestamp))

	if s.Type.IsNumeric() {
		return c.order.AppendUint64(dst, uint64(s.Value))
	}
	dst = append(dst, byte(len(s.Raw)))
	return append(dst, s.Raw...)
}

// Decode decodes exactly one record. Trailing bytes are malformed.
func Decode(b []byte, resolver Resolver) (Sample, error) {
	s, n, err := DecodeNext(b, resolver)
	if err != nil {
		return Sample{}, err
	}
	if n != len(b) {
		return Sample{}, malformedf("record", "%d trailing bytes", len(b)-n)
	}
	return s, nil
}

// DecodeNext decodes the record at the start of b and returns the number of
// bytes consumed.
func DecodeNext(b []byte, resolver Resolver) (Sample, int, error) {
	d := recordReader{b: b}

	order, err := d.order()
	if err != nil {
		return Sample{}, 0, err
	}

	var s Sample
	mode, ok := d.byte()
	if !ok {
		return Sample{}, 0, truncated("mode")
	}
	switch mode {
	case modeToken:
		raw, ok := d.next(sizeToken)
		if !ok {
			return Sample{}, 0, truncated("token")
		}
		if s, err = resolveToken(int64(order.Uint64(raw)), resolver); err != nil {
			return Sample{}, 0, err
		}
	case modeIdentity:
		t, ok := d.byte()
		if !ok {
			return Sample{}, 0, truncated("type")
		}
		raw, ok := d.next(sizeFQNLen)
		if !ok {
			return Sample{}, 0, truncated("identity")
		}
		n := order.Uint32(raw)
		if n > MaxIdentityLength {
			return Sample{}, 0, malformedf("identity", "fqn length %d exceeds %d", n, MaxIdentityLength)
		}
		fqn, ok := d.next(int(n))
		if !ok {
			return Sample{}, 0, truncated("identity")
		}
		id, err := ParseFQN(string(fqn), Type(t))
		if err != nil {
			return Sample{}, 0, err
		}
		s = sampleOf(id, NoToken)
	default:
		return Sample{}, 0, malformedf("mode", "unknown identity mode %d", mode)
	}

	raw, ok := d.next(sizeTimestamp)
	if !ok {
		return Sample{}, 0, truncated("timestamp")
	}
	s.Timestamp = int64(order.Uint64(raw))

	if s.Type.IsNumeric() {
		raw, ok := d.next(sizeNumeric)
		if !ok {
			return Sample{}, 0, truncated("value")
		}
		s.Value = int64(order.Uint64(raw))
	} else {
		n, ok := d.byte()
		if !ok {
			return Sample{}, 0, truncated("value")
		}
		raw, ok := d.next(int(n))
		if !ok {
			return Sample{}, 0, truncated("value")
		}
		if n > 0 {
			s.Raw = append([]byte(nil), raw...)
		}
	}

	return s, d.off, nil
}

func resolveToken(token int64, resolver Resolver) (Sample, error) {
	if token < 0 {
		return Sample{}, malformedf("token", "negative token %d", token)
	}
	if resolver == nil {
		return Sample{}, malformed("token", ErrUnknownToken)
	}
	id, ok := resolver.Resolve(token)
	if !ok {
		return Sample{}, malformed("token", ErrUnknownToken)
	}
	return sampleOf(id, token), nil
}

func sampleOf(id Identity, token int64) Sample {
	return Sample{
		Host:      id.Host,
		Agent:     id.Agent,
		Namespace: id.Namespace,
		Name:      id.Name,
		Type:      id.Type,
		Token:     token,
	}
}

type recordReader struct {
	b   []byte
	off int
}

func (r *recordReader) byte() (byte, bool) {
	if r.off >= len(r.b) {
		return 0, false
	}
	c := r.b[r.off]
	r.off++
	return c, true
}

func (r *recordReader) next(n int) ([]byte, bool) {
	if len(r.b)-r.off < n {
		return nil, false
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, true
}

func (r *recordReader) order() (binary.ByteOrder, error) {
	c, ok := r.byte()
	if !ok {
		return nil, truncated("order")
	}
	return orderOf(c)
}

func orderOf(c byte) (binary.ByteOrder, error) {
	switch c {
	case orderLittleEndian:
		return binary.LittleEndian, nil
	case orderBigEndian:
		return binary.BigEndian, nil
	default:
		return nil, malformedf("order", "unknown byte order marker %d", c)
	}
}

// Decoder reads consecutive records from a stream.
type Decoder struct {
	r        *bufio.Reader
	resolver Resolver
	buf      []byte
}

// NewDecoder returns a decoder reading from r. If r is already a
// *bufio.Reader it is used directly.
func NewDecoder(r io.Reader, resolver Resolver) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br, resolver: resolver}
}

// Decode reads the next record. It returns io.EOF only when the stream ends
// cleanly on a record boundary.
func (d *Decoder) Decode() (Sample, error) {
	d.buf = d.buf[:0]

	head, err := d.read(sizeOrder+sizeMode, "order")
	if err != nil {
		if errors.Is(err, ErrTruncated) && len(d.buf) == 0 {
			return Sample{}, io.EOF
		}
		return Sample{}, err
	}
	order, err := orderOf(head[0])
	if err != nil {
		return Sample{}, err
	}

	var t Type
	switch head[1] {
	case modeToken:
		raw, err := d.read(sizeToken, "token")
		if err != nil {
			return Sample{}, err
		}
		s, err := resolveToken(int64(order.Uint64(raw)), d.resolver)
		if err != nil {
			return Sample{}, err
		}
		t = s.Type
	case modeIdentity:
		raw, err := d.read(sizeType+sizeFQNLen, "identity")
		if err != nil {
			return Sample{}, err
		}
		t = Type(raw[0])
		n := order.Uint32(raw[sizeType:])
		if n > MaxIdentityLength {
			return Sample{}, malformedf("identity", "fqn length %d exceeds %d", n, MaxIdentityLength)
		}
		if _, err := d.read(int(n), "identity"); err != nil {
			return Sample{}, err
		}
	default:
		return Sample{}, malformedf("mode", "unknown identity mode %d", head[1])
	}

	if _, err := d.read(sizeTimestamp, "timestamp"); err != nil {
		return Sample{}, err
	}
	if t.IsNumeric() {
		if _, err := d.read(sizeNumeric, "value"); err != nil {
			return Sample{}, err
		}
	} else {
		raw, err := d.read(sizeRawLen, "value")
		if err != nil {
			return Sample{}, err
		}
		if _, err := d.read(int(raw[0]), "value"); err != nil {
			return Sample{}, err
		}
	}

	return Decode(d.buf, d.resolver)
}

// read appends the next n bytes of the stream to d.buf and returns them.
func (d *Decoder) read(n int, field string) ([]byte, error) {
	start := len(d.buf)
	d.buf = append(d.buf, make([]byte, n)...)
	got, err := io.ReadFull(d.r, d.buf[start:])
	if err != nil {
		d.buf = d.buf[:start+got]
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, truncated(field)
		}
		return nil, err
	}
	return d.buf[start:], nil
}
