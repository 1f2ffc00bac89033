package wire

import (
	"fmt"
	"math"
	"strconv"
)

// OpCode identifies the purpose of a frame. Its value is the ordinal; the
// byte placed on the wire is derived from it by Code.
//
// Ordinals are permanent: new opcodes are only ever appended.
type OpCode uint8

const (
	OpSendMetric OpCode = iota
	OpSendMetricDirect
	OpConfirmMetric
	OpSendMetricToken
	OpPing
	OpPingResponse
	OpWho
	OpWhoResponse
	OpHello
	OpHelloConfirm
	OpBye
	OpReset
	OpResetConfirm
	OpJMXRequest
	OpJMXResponse
	OpJMXNotification
	OpJMXMBSInquiry
	OpJMXMBSInquiryResponse
	OpMetricURISubscribe
	OpMetricURISubConfirm
	OpMetricURIUnsubscribe
	OpMetricURIUnsubConfirm
	OpOnMetricURIEvent
	OpStartSubDest
	OpStopSubDest
)

type opDef struct {
	op   OpCode
	name string
	// pair is the request this opcode answers; only meaningful when response is set.
	pair     OpCode
	response bool
}

func request(op OpCode, name string) opDef {
	return opDef{op: op, name: name}
}

func response(op OpCode, name string, pair OpCode) opDef {
	return opDef{op: op, name: name, pair: pair, response: true}
}

var opDefs = []opDef{
	request(OpSendMetric, "SEND_METRIC"),
	request(OpSendMetricDirect, "SEND_METRIC_DIRECT"),
	response(OpConfirmMetric, "CONFIRM_METRIC", OpSendMetricDirect),
	request(OpSendMetricToken, "SEND_METRIC_TOKEN"),
	request(OpPing, "PING"),
	response(OpPingResponse, "PING_RESPONSE", OpPing),
	request(OpWho, "WHO"),
	response(OpWhoResponse, "WHO_RESPONSE", OpWho),
	request(OpHello, "HELLO"),
	response(OpHelloConfirm, "HELLO_CONFIRM", OpHello),
	request(OpBye, "BYE"),
	request(OpReset, "RESET"),
	response(OpResetConfirm, "RESET_CONFIRM", OpReset),
	request(OpJMXRequest, "JMX_REQUEST"),
	response(OpJMXResponse, "JMX_RESPONSE", OpJMXRequest),
	request(OpJMXNotification, "JMX_NOTIFICATION"),
	request(OpJMXMBSInquiry, "JMX_MBS_INQUIRY"),
	response(OpJMXMBSInquiryResponse, "JMX_MBS_INQUIRY_RESPONSE", OpJMXMBSInquiry),
	request(OpMetricURISubscribe, "METRIC_URI_SUBSCRIBE"),
	response(OpMetricURISubConfirm, "METRIC_URI_SUB_CONFIRM", OpMetricURISubscribe),
	request(OpMetricURIUnsubscribe, "METRIC_URI_UNSUBSCRIBE"),
	response(OpMetricURIUnsubConfirm, "METRIC_URI_UNSUB_CONFIRM", OpMetricURIUnsubscribe),
	request(OpOnMetricURIEvent, "ON_METRIC_URI_EVENT"),
	request(OpStartSubDest, "START_SUB_DEST"),
	request(OpStopSubDest, "STOP_SUB_DEST"),
}

// opTable holds both lookups. It is built once and never mutated.
type opTable struct {
	defs   []opDef
	codes  []int8
	byCode [256]OpCode
	known  [256]bool
}

func buildOpTable(defs []opDef) (*opTable, error) {
	t := &opTable{
		defs:  make([]opDef, len(defs)),
		codes: make([]int8, len(defs)),
	}

	for i, d := range defs {
		if int(d.op) != i {
			return nil, fmt.Errorf("wire: opcode %s declared at position %d has ordinal %d", d.name, i, d.op)
		}
		if i > math.MaxInt8 {
			return nil, fmt.Errorf("wire: opcode %s ordinal %d does not fit a signed byte", d.name, i)
		}

		code := int8(i)
		if d.response {
			if int(d.pair) >= len(defs) || defs[d.pair].response {
				return nil, fmt.Errorf("wire: response %s is not paired with a request", d.name)
			}
			code = -int8(d.pair)
		}

		b := byte(code)
		if t.known[b] {
			return nil, fmt.Errorf("wire: opcode %s byte code %d already used by %s",
				d.name, code, defs[t.byCode[b]].name)
		}
		t.known[b] = true
		t.byCode[b] = d.op
		t.codes[i] = code
		t.defs[i] = d
	}

	return t, nil
}

var ops = mustBuildOpTable(opDefs)

func mustBuildOpTable(defs []opDef) *opTable {
	t, err := buildOpTable(defs)
	if err != nil {
		panic(err)
	}
	return t
}

// DecodeByte returns the opcode whose wire byte is b.
func DecodeByte(b byte) (OpCode, error) {
	if !ops.known[b] {
		return 0, &InvalidOpCodeError{Code: b}
	}
	return ops.byCode[b], nil
}

// DecodeOrdinal returns the opcode with ordinal i.
func DecodeOrdinal(i int) (OpCode, error) {
	if i < 0 || i >= len(ops.defs) {
		return 0, &InvalidOpCodeError{Ordinal: i, ByOrdinal: true}
	}
	return OpCode(i), nil
}

// IsOpCode reports whether b is the wire byte of a known opcode.
func IsOpCode(b byte) bool {
	return ops.known[b]
}

// OpCodes returns every opcode in ordinal order.
func OpCodes() []OpCode {
	out := make([]OpCode, len(ops.defs))
	for i, d := range ops.defs {
		out[i] = d.op
	}
	return out
}

// Valid reports whether op is a known opcode.
func (op OpCode) Valid() bool {
	return int(op) < len(ops.defs)
}

// Ordinal returns the position of op in the opcode list.
func (op OpCode) Ordinal() int {
	return int(op)
}

// Code returns the signed wire code: the ordinal for requests and the
// negated ordinal of the paired request for responses.
func (op OpCode) Code() int8 {
	if !op.Valid() {
		return int8(op)
	}
	return ops.codes[op]
}

// Byte returns the wire byte of op.
func (op OpCode) Byte() byte {
	return byte(op.Code())
}

// IsResponse reports whether op answers a request.
func (op OpCode) IsResponse() bool {
	return op.Valid() && ops.defs[op].response
}

// Request returns the request op answers.
func (op OpCode) Request() (OpCode, bool) {
	if !op.IsResponse() {
		return 0, false
	}
	return ops.defs[op].pair, true
}

func (op OpCode) String() string {
	if !op.Valid() {
		return "OpCode(" + strconv.Itoa(int(op)) + ")"
	}
	return ops.defs[op].name
}
