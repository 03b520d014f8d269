package euicc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pccr10001/euiccd/internal/apdu"
)

// AidIsdr is the application identifier of the ISD-R applet the logical
// channel is opened against.
var AidIsdr = []byte{
	0xA0, 0x00, 0x00, 0x05, 0x59, 0x10, 0x10,
	0xFF, 0xFF, 0xFF, 0xFF, 0x89, 0x00, 0x00, 0x01, 0x00,
}

// Version is an SGP.22 specification version triple.
type Version struct {
	Major    uint8
	Minor    uint8
	Revision uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}

// supportedVersion is the eUICC specification level this controller targets.
var supportedVersion = Version{Major: 2, Minor: 2, Revision: 0}

// Apdu is one command an LPA wants delivered to the card.
type Apdu struct {
	Cls  byte
	Ins  byte
	P1   byte
	P2   byte
	Data []byte
}

// NewStoreDataApdu builds the single-block STORE DATA command used by
// profile management operations.
func NewStoreDataApdu(data []byte) Apdu {
	return Apdu{Cls: 0x80, Ins: apdu.InsStoreData, P1: apdu.P1LastBlock, Data: data}
}

const eidLen = 16

var ErrBadEid = errors.New("euicc: malformed EID")

// DecodeEid expands a BCD-coded EID into its 32 decimal digits. Every EID
// begins with the telecom major industry digits "89".
func DecodeEid(raw []byte) (string, error) {
	if len(raw) != eidLen {
		return "", fmt.Errorf("%w: %d bytes", ErrBadEid, len(raw))
	}
	var b strings.Builder
	for _, x := range raw {
		hi, lo := x>>4, x&0x0F
		if hi > 9 || lo > 9 {
			return "", fmt.Errorf("%w: non-decimal nibble", ErrBadEid)
		}
		b.WriteByte('0' + hi)
		b.WriteByte('0' + lo)
	}
	eid := b.String()
	if !strings.HasPrefix(eid, "89") {
		return "", fmt.Errorf("%w: bad prefix", ErrBadEid)
	}
	return eid, nil
}
