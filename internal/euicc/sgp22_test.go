package euicc

import (
	"errors"
	"testing"
)

func TestDecodeEid(t *testing.T) {
	raw := []byte{
		0x89, 0x01, 0x03, 0x30, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01,
	}
	got, err := DecodeEid(raw)
	if err != nil {
		t.Fatal(err)
	}
	want := "89010330000000000000000000000001"
	if got != want {
		t.Errorf("DecodeEid = %q, want %q", got, want)
	}
}

func TestDecodeEidRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "short", raw: make([]byte, 15)},
		{name: "long", raw: make([]byte, 17)},
		{name: "non-decimal nibble", raw: append([]byte{0x89, 0x0A}, make([]byte, 14)...)},
		{name: "bad prefix", raw: append([]byte{0x12}, make([]byte, 15)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeEid(tt.raw); !errors.Is(err, ErrBadEid) {
				t.Errorf("DecodeEid(%X) err = %v, want ErrBadEid", tt.raw, err)
			}
		})
	}
}

func TestCardVersion(t *testing.T) {
	v := supportedVersion
	if v.Major != 2 || v.Minor != 2 || v.Revision != 0 {
		t.Errorf("supported version = %s, want 2.2.0", v)
	}
}

func TestNewStoreDataApdu(t *testing.T) {
	a := NewStoreDataApdu([]byte{0x01, 0x02})
	if a.Cls != 0x80 || a.Ins != 0xE2 || a.P1 != 0x91 || a.P2 != 0x00 {
		t.Errorf("STORE DATA header = %02X %02X %02X %02X", a.Cls, a.Ins, a.P1, a.P2)
	}
}
