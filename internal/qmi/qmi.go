// Package qmi encodes and decodes the QMI UIM messages the controller
// exchanges with the modem. Only the framing used on QRTR links is
// implemented: a 7-byte message header followed by TLVs.
package qmi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ServiceUim is the well-known QMI service id of the UIM (SIM card) service.
const ServiceUim uint32 = 0x0B

// Message types carried in the first header byte.
const (
	TypeRequest    uint8 = 0x00
	TypeResponse   uint8 = 0x02
	TypeIndication uint8 = 0x04
)

// Command identifies a UIM message.
type Command uint16

const (
	CmdReset              Command = 0x0000
	CmdSendApdu           Command = 0x003B
	CmdOpenLogicalChannel Command = 0x0042
	CmdSwitchSlot         Command = 0x0046
	CmdGetSlots           Command = 0x0047
)

func (c Command) String() string {
	switch c {
	case CmdReset:
		return "RESET"
	case CmdSendApdu:
		return "SEND_APDU"
	case CmdOpenLogicalChannel:
		return "OPEN_LOGICAL_CHANNEL"
	case CmdSwitchSlot:
		return "SWITCH_SLOT"
	case CmdGetSlots:
		return "GET_SLOTS"
	default:
		return fmt.Sprintf("UIM(0x%04X)", uint16(c))
	}
}

const headerLen = 7

var (
	ErrShortMessage   = errors.New("qmi: message too short")
	ErrBadLength      = errors.New("qmi: message length mismatch")
	ErrUnknownCommand = errors.New("qmi: unknown command")
	ErrMissingTLV     = errors.New("qmi: mandatory TLV missing")
	ErrMalformedTLV   = errors.New("qmi: malformed TLV")
)

// Result is the mandatory response TLV carrying the command outcome.
// Code 0 is success; Error holds the QMI protocol error otherwise.
type Result struct {
	Code  uint16
	Error uint16
}

// ErrCodeInvalidSessionHandle marks a stale logical channel session. The
// controller reacts by reacquiring the channel rather than surfacing the
// error.
const ErrCodeInvalidSessionHandle uint16 = 66

func (r Result) Success() bool {
	return r.Code == 0
}

func (r Result) InvalidSession() bool {
	return !r.Success() && r.Error == ErrCodeInvalidSessionHandle
}

const tlvResult uint8 = 0x02

// DecodeHeader peeks the command id of a message without decoding its body.
func DecodeHeader(data []byte) (Command, error) {
	if len(data) < headerLen {
		return 0, ErrShortMessage
	}
	return Command(binary.LittleEndian.Uint16(data[3:5])), nil
}

func encodeMessage(msgType uint8, cmd Command, txn uint16, tlvs []byte) []byte {
	buf := make([]byte, headerLen+len(tlvs))
	buf[0] = msgType
	binary.LittleEndian.PutUint16(buf[1:3], txn)
	binary.LittleEndian.PutUint16(buf[3:5], uint16(cmd))
	binary.LittleEndian.PutUint16(buf[5:7], uint16(len(tlvs)))
	copy(buf[headerLen:], tlvs)
	return buf
}

// decodeMessage validates the header and splits the body into TLVs.
func decodeMessage(wantType uint8, wantCmd Command, data []byte) (uint16, map[uint8][]byte, error) {
	if len(data) < headerLen {
		return 0, nil, ErrShortMessage
	}
	if data[0] != wantType {
		return 0, nil, fmt.Errorf("qmi: unexpected message type 0x%02X", data[0])
	}
	txn := binary.LittleEndian.Uint16(data[1:3])
	cmd := Command(binary.LittleEndian.Uint16(data[3:5]))
	if cmd != wantCmd {
		return 0, nil, fmt.Errorf("qmi: expected %s, got %s", wantCmd, cmd)
	}
	bodyLen := int(binary.LittleEndian.Uint16(data[5:7]))
	body := data[headerLen:]
	if bodyLen > len(body) {
		return 0, nil, ErrBadLength
	}
	body = body[:bodyLen]

	tlvs := make(map[uint8][]byte)
	for len(body) > 0 {
		if len(body) < 3 {
			return 0, nil, ErrMalformedTLV
		}
		id := body[0]
		vlen := int(binary.LittleEndian.Uint16(body[1:3]))
		if len(body) < 3+vlen {
			return 0, nil, ErrMalformedTLV
		}
		tlvs[id] = body[3 : 3+vlen]
		body = body[3+vlen:]
	}
	return txn, tlvs, nil
}

// tlvWriter accumulates TLVs for one message body.
type tlvWriter struct {
	buf []byte
}

func (w *tlvWriter) put(id uint8, value []byte) {
	w.buf = append(w.buf, id)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, uint16(len(value)))
	w.buf = append(w.buf, value...)
}

func (w *tlvWriter) putUint8(id uint8, v uint8) {
	w.put(id, []byte{v})
}

func (w *tlvWriter) putResult(r Result) {
	value := make([]byte, 4)
	binary.LittleEndian.PutUint16(value[0:], r.Code)
	binary.LittleEndian.PutUint16(value[2:], r.Error)
	w.put(tlvResult, value)
}

func decodeResult(tlvs map[uint8][]byte) (Result, error) {
	value, ok := tlvs[tlvResult]
	if !ok || len(value) < 4 {
		return Result{}, fmt.Errorf("%w: result", ErrMissingTLV)
	}
	return Result{
		Code:  binary.LittleEndian.Uint16(value[0:]),
		Error: binary.LittleEndian.Uint16(value[2:]),
	}, nil
}
