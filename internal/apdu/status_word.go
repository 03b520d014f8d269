package apdu

import "fmt"

// StatusWord is the two-byte trailer (SW1-SW2) of every response APDU.
type StatusWord uint16

const (
	// SWNoError is the normal completion status.
	SWNoError StatusWord = 0x9000
)

func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

func (sw StatusWord) SW1() byte {
	return byte(sw >> 8)
}

func (sw StatusWord) SW2() byte {
	return byte(sw)
}

// Success reports normal completion (9000).
func (sw StatusWord) Success() bool {
	return sw == SWNoError
}

// MoreData reports that SW2 further response bytes are available for
// retrieval with GET RESPONSE (61xx).
func (sw StatusWord) MoreData() bool {
	return sw.SW1() == 0x61
}

// WrongLength reports a 6Cxx status; SW2 carries the correct Le.
func (sw StatusWord) WrongLength() bool {
	return sw.SW1() == 0x6C
}

func (sw StatusWord) String() string {
	switch {
	case sw.Success():
		return "9000 (no error)"
	case sw.MoreData():
		return fmt.Sprintf("%04X (%d bytes available)", uint16(sw), sw.SW2())
	case sw.WrongLength():
		return fmt.Sprintf("%04X (wrong length, Le=%d)", uint16(sw), sw.SW2())
	default:
		return fmt.Sprintf("%04X", uint16(sw))
	}
}
