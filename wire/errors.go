package wire

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrTruncated matches every CodecError of kind Truncated.
	ErrTruncated = errors.New("wire: truncated record")
	// ErrMalformed matches every CodecError of kind Malformed.
	ErrMalformed = errors.New("wire: malformed record")

	ErrValueTooLarge = errors.New("wire: non-numeric value exceeds 255 bytes")
	ErrUnknownToken  = errors.New("wire: unknown token")
	ErrInvalidOpCode = errors.New("wire: invalid opcode")
	ErrCatalogFull   = errors.New("wire: catalog full")
)

// ErrorKind classifies codec failures.
type ErrorKind uint8

const (
	// Truncated means the input ended before the record was complete.
	Truncated ErrorKind = iota + 1
	// Malformed means the input or sample violates the record layout.
	Malformed
)

func (k ErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// CodecError is returned by every encode and decode operation.
// Field names the record field being processed when the failure happened.
//
// Connection handling: on a stream the record boundary is lost, CLOSE.
type CodecError struct {
	Kind  ErrorKind
	Field string
	Err   error // underlying cause, if any
}

func (e *CodecError) Error() string {
	msg := "wire: " + e.Kind.String() + " record"
	if e.Field != "" {
		msg += " at " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *CodecError) Is(target error) bool {
	switch target {
	case ErrTruncated:
		return e.Kind == Truncated
	case ErrMalformed:
		return e.Kind == Malformed
	}
	return false
}

// ShouldCloseConnection returns true - framing is lost after a bad record
func (e *CodecError) ShouldCloseConnection() bool {
	return true
}

func truncated(field string) error {
	return &CodecError{Kind: Truncated, Field: field}
}

func malformed(field string, err error) error {
	return &CodecError{Kind: Malformed, Field: field, Err: err}
}

func malformedf(field, format string, args ...any) error {
	return &CodecError{Kind: Malformed, Field: field, Err: fmt.Errorf(format, args...)}
}

// InvalidOpCodeError reports a byte that is not a known opcode.
// The error is local to one frame; the caller decides whether to drop the
// frame or close the connection.
type InvalidOpCodeError struct {
	Code    byte
	Ordinal int
	// ByOrdinal is set when the lookup was by ordinal rather than byte code.
	ByOrdinal bool
}

func (e *InvalidOpCodeError) Error() string {
	if e.ByOrdinal {
		return "wire: invalid opcode ordinal " + strconv.Itoa(e.Ordinal)
	}
	return "wire: invalid opcode byte " + strconv.Itoa(int(int8(e.Code)))
}

func (e *InvalidOpCodeError) Is(target error) bool {
	return target == ErrInvalidOpCode
}

// ShouldCloseConnection returns false - only the frame is rejected
func (e *InvalidOpCodeError) ShouldCloseConnection() bool {
	return false
}

// ErrorWithConnectionState is implemented by errors that know whether the
// connection carrying the bad input must be closed.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves a stream in an unknown
// state. Unknown errors (I/O failures included) are treated as fatal.
//
//	h, err := batch.ReadHeader(r)
//	if err == nil {
//	    err = batch.ReadSamples(wire.NewDecoder(r, catalog), h, sink.OnSample)
//	}
//	if err != nil {
//	    if wire.ShouldCloseConnection(err) {
//	        conn.Close()
//	    }
//	    return err
//	}
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	return true
}
