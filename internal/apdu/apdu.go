// Package apdu implements ISO-7816 command fragmentation and response
// reassembly for the transport-size-limited SEND_APDU path to the modem.
package apdu

import (
	"errors"
)

// Instructions the controller itself issues or recognizes.
const (
	InsGetResponse byte = 0xC0
	InsStoreData   byte = 0xE2
)

// STORE DATA P1 values for block chaining.
const (
	P1MoreBlocks byte = 0x11
	P1LastBlock  byte = 0x91
)

// DefaultSliceSize bounds the command data bytes carried per fragment when
// the caller provides no modem-specific value.
const DefaultSliceSize = 256

var ErrResponseTooShort = errors.New("apdu: response shorter than a status word")

// Command is an outbound command APDU, pre-split into transport-bounded
// fragments. Fragmentation depends only on the original data length and the
// extended-length flag: the 4-byte header (plus length field) is carried by
// the first fragment, later fragments are continuation bodies.
type Command struct {
	chunks [][]byte
}

// NewCommand builds a command APDU. sliceSize bounds the data bytes per
// fragment; when extended is set the caller guarantees the data fits a
// single extended-length APDU.
func NewCommand(cls, ins, p1, p2 byte, data []byte, extended bool, sliceSize int) Command {
	if sliceSize <= 0 {
		sliceSize = DefaultSliceSize
	}
	header := []byte{cls, ins, p1, p2}

	if extended {
		chunk := header
		chunk = append(chunk, 0x00, byte(len(data)>>8), byte(len(data)))
		chunk = append(chunk, data...)
		return Command{chunks: [][]byte{chunk}}
	}

	first := len(data)
	if first > sliceSize {
		first = sliceSize
	}
	chunk := header
	// Short-form Lc: the total data length modulo 256. The modem firmware
	// reassembles the command from the transport-level fragment lengths,
	// not from this byte, so a 256-byte payload encodes as 0x00 here.
	chunk = append(chunk, byte(len(data)))
	chunk = append(chunk, data[:first]...)
	chunks := [][]byte{chunk}
	for off := first; off < len(data); off += sliceSize {
		end := off + sliceSize
		if end > len(data) {
			end = len(data)
		}
		cont := make([]byte, end-off)
		copy(cont, data[off:end])
		chunks = append(chunks, cont)
	}
	return Command{chunks: chunks}
}

// NewGetResponseCommand builds the GET RESPONSE continuation command that
// retrieves le pending bytes (le = 0x00 requests 256).
func NewGetResponseCommand(le byte) Command {
	return Command{chunks: [][]byte{{0x00, InsGetResponse, 0x00, 0x00, le}}}
}

// NextFragment returns the next transport-bounded fragment and advances the
// cursor. It returns nil once all fragments have been consumed.
func (c *Command) NextFragment() []byte {
	if len(c.chunks) == 0 {
		return nil
	}
	chunk := c.chunks[0]
	c.chunks = c.chunks[1:]
	return chunk
}

func (c *Command) HasMoreFragments() bool {
	return len(c.chunks) > 0
}

// Response reassembles a chained response APDU. Each received chunk ends in
// a status word; 61xx means another chunk must be fetched with GET RESPONSE.
type Response struct {
	payload []byte
	sw      StatusWord
}

// AddData folds one received chunk (payload plus trailing status word) into
// the reassembly buffer.
func (r *Response) AddData(data []byte) error {
	if len(data) < 2 {
		return ErrResponseTooShort
	}
	r.payload = append(r.payload, data[:len(data)-2]...)
	r.sw = NewStatusWord(data[len(data)-2], data[len(data)-1])
	return nil
}

// MorePayloadIncoming reports whether the card holds further response bytes.
func (r *Response) MorePayloadIncoming() bool {
	return r.sw.MoreData()
}

// CreateGetMoreCommand yields the GET RESPONSE command retrieving the next
// pending chunk. Only valid while MorePayloadIncoming.
func (r *Response) CreateGetMoreCommand() Command {
	return NewGetResponseCommand(r.sw.SW2())
}

// Release returns the reassembled response, payload followed by the final
// status word, and resets the buffer for reuse.
func (r *Response) Release() []byte {
	out := make([]byte, 0, len(r.payload)+2)
	out = append(out, r.payload...)
	out = append(out, r.sw.SW1(), r.sw.SW2())
	r.payload = nil
	r.sw = 0
	return out
}

// StatusWord returns the most recently recorded status word.
func (r *Response) StatusWord() StatusWord {
	return r.sw
}
