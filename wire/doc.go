// Package wire implements the binary sample record format and the opcode
// table shared by agents and the router.
//
// The package has no knowledge of transports: it turns samples into bytes
// and back, and tells frame readers which opcode a byte stands for.
//
// # Records
//
// A record is the encoding of one Sample:
//
//	[order:1] [mode:1] identity [timestamp:8] value
//
// The order byte (0 little-endian, 1 big-endian) governs every multi-byte
// field after it. The mode byte selects the identity form:
//
//	mode 1: [token:8]
//	mode 0: [type:1] [len:4] [fqn:len]
//
// Numeric types carry an 8-byte value; the others carry a 1-byte length
// followed by at most 255 raw bytes.
//
//	rec, err := wire.NativeCodec.Encode(&sample)
//	s, err := wire.Decode(rec, catalog)
//
// Records written by one process decode on any other: the order byte is read
// first and the decoder never assumes its own byte order.
//
// # Identities and tokens
//
// The FQN of a sample is host "/" agent { "/" namespace } ":" name, for
// example "web1/jvm/heap/used:Bytes". A router may assign tokens to FQNs
// (see Catalog) so that agents can send an 8-byte token instead of the name.
// Decoding a token record requires a Resolver.
//
// # Opcodes
//
// Every frame starts with an opcode byte. Requests use their ordinal as the
// code and responses use the negated ordinal of the request they answer:
//
//	wire.OpPing.Code()         // 4
//	wire.OpPingResponse.Code() // -4
//
// DecodeByte and DecodeOrdinal are constant-time lookups into a table built
// once at package initialization.
//
// # Error Handling
//
// Encode and decode failures are *CodecError values matching ErrTruncated or
// ErrMalformed. An unknown opcode byte is an *InvalidOpCodeError; it only
// invalidates the frame. Use ShouldCloseConnection to decide whether a
// stream is still usable.
package wire
