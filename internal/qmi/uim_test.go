package qmi

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var testAid = []byte{
	0xA0, 0x00, 0x00, 0x05, 0x59, 0x10, 0x10,
	0xFF, 0xFF, 0xFF, 0xFF, 0x89, 0x00, 0x00, 0x01, 0x00,
}

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		txn  uint16
		req  Request
	}{
		{name: "reset", txn: 1, req: &ResetRequest{}},
		{name: "get slots", txn: 3, req: &GetSlotsRequest{}},
		{name: "switch slot", txn: 5, req: &SwitchSlotRequest{LogicalSlot: 1, PhysicalSlot: 2}},
		{name: "open logical channel", txn: 7, req: &OpenLogicalChannelRequest{Slot: 1, Aid: testAid}},
		{name: "send apdu", txn: 0xFFFF, req: &SendApduRequest{
			Slot:           1,
			Apdu:           []byte{0x80, 0xE2, 0x91, 0x00, 0x00},
			ChannelID:      3,
			ProcedureBytes: ProcedureBytesDisable,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := EncodeRequest(tt.req, tt.txn)

			cmd, err := DecodeHeader(data)
			if err != nil {
				t.Fatal(err)
			}
			if cmd != tt.req.Command() {
				t.Fatalf("DecodeHeader = %s, want %s", cmd, tt.req.Command())
			}

			txn, got, err := DecodeRequest(cmd, data)
			if err != nil {
				t.Fatal(err)
			}
			if txn != tt.txn {
				t.Errorf("txn = %d, want %d", txn, tt.txn)
			}
			if diff := cmp.Diff(tt.req, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		txn  uint16
		resp Response
	}{
		{name: "reset", txn: 2, resp: &ResetResponse{}},
		{name: "reset failure", txn: 2, resp: &ResetResponse{Result: Result{Code: 1, Error: 3}}},
		{name: "get slots", txn: 4, resp: &GetSlotsResponse{
			Status: []PhysicalSlotStatus{
				{CardState: CardStatePresent, SlotState: SlotStateActive, LogicalSlot: 1},
				{CardState: CardStateAbsent, SlotState: SlotStateInactive},
			},
			IsEuicc: []bool{true, false},
			EidInfo: [][]byte{
				{0x89, 0x01, 0x03, 0x30, 0x00, 0x00, 0x00, 0x00,
					0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01},
				{},
			},
		}},
		{name: "switch slot", txn: 6, resp: &SwitchSlotResponse{}},
		{name: "open logical channel", txn: 8, resp: &OpenLogicalChannelResponse{
			ChannelIDValid: true,
			ChannelID:      2,
			CardResult:     []byte{0x90, 0x00},
			SelectResponse: []byte{0x62, 0x03, 0x84, 0x01, 0x01},
		}},
		{name: "send apdu", txn: 10, resp: &SendApduResponse{
			ApduResponse: []byte{0xA5, 0x5A, 0x90, 0x00},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := EncodeResponse(tt.resp, tt.txn)

			txn, got, err := DecodeResponse(tt.resp.Command(), data)
			if err != nil {
				t.Fatal(err)
			}
			if txn != tt.txn {
				t.Errorf("txn = %d, want %d", txn, tt.txn)
			}
			if diff := cmp.Diff(tt.resp, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResetRequestWire(t *testing.T) {
	want := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
	if diff := cmp.Diff(want, EncodeRequest(&ResetRequest{}, 1)); diff != "" {
		t.Errorf("RESET request bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenLogicalChannelRequestWire(t *testing.T) {
	req := &OpenLogicalChannelRequest{Slot: 1, Aid: testAid}
	want := []byte{
		0x00, 0x05, 0x00, 0x42, 0x00, 0x18, 0x00,
		0x01, 0x01, 0x00, 0x01,
		0x10, 0x11, 0x00, 0x10,
	}
	want = append(want, testAid...)
	if diff := cmp.Diff(want, EncodeRequest(req, 5)); diff != "" {
		t.Errorf("OPEN_LOGICAL_CHANNEL request bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeHeaderShort(t *testing.T) {
	if _, err := DecodeHeader([]byte{0x00, 0x01, 0x00}); err == nil {
		t.Fatal("truncated header must not decode")
	}
}

func TestDecodeResponseWrongCommand(t *testing.T) {
	data := EncodeResponse(&ResetResponse{}, 2)
	if _, _, err := DecodeResponse(CmdGetSlots, data); err == nil {
		t.Fatal("decoding a RESET response as GET_SLOTS must fail")
	}
}

func TestResult(t *testing.T) {
	if !(Result{}).Success() {
		t.Error("zero result must be success")
	}
	r := Result{Code: 1, Error: ErrCodeInvalidSessionHandle}
	if r.Success() {
		t.Error("non-zero code must not be success")
	}
	if !r.InvalidSession() {
		t.Error("error 66 must be recognized as a stale session")
	}
	if (Result{Code: 1, Error: 3}).InvalidSession() {
		t.Error("other errors are not stale sessions")
	}
}
