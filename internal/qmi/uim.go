package qmi

import (
	"encoding/binary"
	"fmt"
)

// Request is a typed UIM request body.
type Request interface {
	Command() Command
	marshalTLVs(w *tlvWriter)
}

// Response is a typed UIM response body. Responses marshal as well so a
// fake modem can produce wire-exact packets in tests.
type Response interface {
	Command() Command
	marshalTLVs(w *tlvWriter)
	unmarshalTLVs(tlvs map[uint8][]byte) error
}

// EncodeRequest produces the request datagram for req with the given
// transaction id.
func EncodeRequest(req Request, txn uint16) []byte {
	var w tlvWriter
	req.marshalTLVs(&w)
	return encodeMessage(TypeRequest, req.Command(), txn, w.buf)
}

// DecodeRequest parses a request datagram previously produced by
// EncodeRequest. It is the fake-modem half of the codec.
func DecodeRequest(cmd Command, data []byte) (uint16, Request, error) {
	txn, tlvs, err := decodeMessage(TypeRequest, cmd, data)
	if err != nil {
		return 0, nil, err
	}
	var req Request
	switch cmd {
	case CmdReset:
		req = &ResetRequest{}
	case CmdGetSlots:
		req = &GetSlotsRequest{}
	case CmdSwitchSlot:
		req = &SwitchSlotRequest{}
	case CmdOpenLogicalChannel:
		req = &OpenLogicalChannelRequest{}
	case CmdSendApdu:
		req = &SendApduRequest{}
	default:
		return 0, nil, ErrUnknownCommand
	}
	if u, ok := req.(interface {
		unmarshalTLVs(map[uint8][]byte) error
	}); ok {
		if err := u.unmarshalTLVs(tlvs); err != nil {
			return 0, nil, err
		}
	}
	return txn, req, nil
}

// EncodeResponse produces the response datagram for resp with the given
// transaction id.
func EncodeResponse(resp Response, txn uint16) []byte {
	var w tlvWriter
	resp.marshalTLVs(&w)
	return encodeMessage(TypeResponse, resp.Command(), txn, w.buf)
}

// DecodeResponse parses a response datagram for the given command.
func DecodeResponse(cmd Command, data []byte) (uint16, Response, error) {
	txn, tlvs, err := decodeMessage(TypeResponse, cmd, data)
	if err != nil {
		return 0, nil, err
	}
	var resp Response
	switch cmd {
	case CmdReset:
		resp = &ResetResponse{}
	case CmdGetSlots:
		resp = &GetSlotsResponse{}
	case CmdSwitchSlot:
		resp = &SwitchSlotResponse{}
	case CmdOpenLogicalChannel:
		resp = &OpenLogicalChannelResponse{}
	case CmdSendApdu:
		resp = &SendApduResponse{}
	default:
		return 0, nil, ErrUnknownCommand
	}
	if err := resp.unmarshalTLVs(tlvs); err != nil {
		return 0, nil, err
	}
	return txn, resp, nil
}

///////////////////////////
// RESET                 //
///////////////////////////

type ResetRequest struct{}

func (*ResetRequest) Command() Command       { return CmdReset }
func (*ResetRequest) marshalTLVs(*tlvWriter) {}

type ResetResponse struct {
	Result Result
}

func (*ResetResponse) Command() Command { return CmdReset }

func (r *ResetResponse) marshalTLVs(w *tlvWriter) {
	w.putResult(r.Result)
}

func (r *ResetResponse) unmarshalTLVs(tlvs map[uint8][]byte) error {
	var err error
	r.Result, err = decodeResult(tlvs)
	return err
}

///////////////////////////
// GET_SLOTS             //
///////////////////////////

// Physical card states reported per slot.
const (
	CardStateUnknown uint32 = 0
	CardStateAbsent  uint32 = 1
	CardStatePresent uint32 = 2
)

// Physical slot states reported per slot.
const (
	SlotStateInactive uint32 = 0
	SlotStateActive   uint32 = 1
)

type GetSlotsRequest struct{}

func (*GetSlotsRequest) Command() Command       { return CmdGetSlots }
func (*GetSlotsRequest) marshalTLVs(*tlvWriter) {}

// PhysicalSlotStatus describes one physical slot in a GetSlots response.
type PhysicalSlotStatus struct {
	CardState   uint32
	SlotState   uint32
	LogicalSlot uint8
}

func (s PhysicalSlotStatus) Present() bool {
	return s.CardState == CardStatePresent
}

func (s PhysicalSlotStatus) Active() bool {
	return s.SlotState == SlotStateActive
}

type GetSlotsResponse struct {
	Result Result
	// Indexed by physical slot (zero-based).
	Status  []PhysicalSlotStatus
	IsEuicc []bool
	// Raw BCD-coded EIDs, one per slot; empty when unavailable.
	EidInfo [][]byte
}

const (
	tlvSlotsStatus  uint8 = 0x10
	tlvSlotsInfo    uint8 = 0x11
	tlvSlotsEidInfo uint8 = 0x12
)

func (*GetSlotsResponse) Command() Command { return CmdGetSlots }

func (r *GetSlotsResponse) marshalTLVs(w *tlvWriter) {
	w.putResult(r.Result)

	status := []byte{uint8(len(r.Status))}
	for _, s := range r.Status {
		status = binary.LittleEndian.AppendUint32(status, s.CardState)
		status = binary.LittleEndian.AppendUint32(status, s.SlotState)
		status = append(status, s.LogicalSlot)
	}
	w.put(tlvSlotsStatus, status)

	info := []byte{uint8(len(r.IsEuicc))}
	for _, e := range r.IsEuicc {
		if e {
			info = append(info, 1)
		} else {
			info = append(info, 0)
		}
	}
	w.put(tlvSlotsInfo, info)

	eids := []byte{uint8(len(r.EidInfo))}
	for _, eid := range r.EidInfo {
		eids = append(eids, uint8(len(eid)))
		eids = append(eids, eid...)
	}
	w.put(tlvSlotsEidInfo, eids)
}

func (r *GetSlotsResponse) unmarshalTLVs(tlvs map[uint8][]byte) error {
	var err error
	if r.Result, err = decodeResult(tlvs); err != nil {
		return err
	}
	if !r.Result.Success() {
		return nil
	}

	status, ok := tlvs[tlvSlotsStatus]
	if !ok || len(status) < 1 {
		return fmt.Errorf("%w: slot status", ErrMissingTLV)
	}
	n := int(status[0])
	status = status[1:]
	if len(status) < n*9 {
		return fmt.Errorf("%w: slot status", ErrMalformedTLV)
	}
	r.Status = make([]PhysicalSlotStatus, n)
	for i := 0; i < n; i++ {
		entry := status[i*9:]
		r.Status[i] = PhysicalSlotStatus{
			CardState:   binary.LittleEndian.Uint32(entry[0:]),
			SlotState:   binary.LittleEndian.Uint32(entry[4:]),
			LogicalSlot: entry[8],
		}
	}

	info, ok := tlvs[tlvSlotsInfo]
	if !ok || len(info) < 1 || len(info) < 1+int(info[0]) {
		return fmt.Errorf("%w: slot info", ErrMissingTLV)
	}
	r.IsEuicc = make([]bool, info[0])
	for i := range r.IsEuicc {
		r.IsEuicc[i] = info[1+i] != 0
	}

	// EID info is optional; older firmware omits it.
	if eids, ok := tlvs[tlvSlotsEidInfo]; ok && len(eids) >= 1 {
		n := int(eids[0])
		eids = eids[1:]
		r.EidInfo = make([][]byte, 0, n)
		for i := 0; i < n; i++ {
			if len(eids) < 1 {
				return fmt.Errorf("%w: eid info", ErrMalformedTLV)
			}
			elen := int(eids[0])
			eids = eids[1:]
			if len(eids) < elen {
				return fmt.Errorf("%w: eid info", ErrMalformedTLV)
			}
			eid := make([]byte, elen)
			copy(eid, eids[:elen])
			r.EidInfo = append(r.EidInfo, eid)
			eids = eids[elen:]
		}
	}
	return nil
}

///////////////////////////
// SWITCH_SLOT           //
///////////////////////////

type SwitchSlotRequest struct {
	LogicalSlot  uint8
	PhysicalSlot uint32
}

const tlvSwitchPhysicalSlot uint8 = 0x02

func (*SwitchSlotRequest) Command() Command { return CmdSwitchSlot }

func (r *SwitchSlotRequest) marshalTLVs(w *tlvWriter) {
	w.putUint8(0x01, r.LogicalSlot)
	value := binary.LittleEndian.AppendUint32(nil, r.PhysicalSlot)
	w.put(tlvSwitchPhysicalSlot, value)
}

func (r *SwitchSlotRequest) unmarshalTLVs(tlvs map[uint8][]byte) error {
	slot, ok := tlvs[0x01]
	if !ok || len(slot) < 1 {
		return fmt.Errorf("%w: logical slot", ErrMissingTLV)
	}
	r.LogicalSlot = slot[0]
	phys, ok := tlvs[tlvSwitchPhysicalSlot]
	if !ok || len(phys) < 4 {
		return fmt.Errorf("%w: physical slot", ErrMissingTLV)
	}
	r.PhysicalSlot = binary.LittleEndian.Uint32(phys)
	return nil
}

type SwitchSlotResponse struct {
	Result Result
}

func (*SwitchSlotResponse) Command() Command { return CmdSwitchSlot }

func (r *SwitchSlotResponse) marshalTLVs(w *tlvWriter) {
	w.putResult(r.Result)
}

func (r *SwitchSlotResponse) unmarshalTLVs(tlvs map[uint8][]byte) error {
	var err error
	r.Result, err = decodeResult(tlvs)
	return err
}

///////////////////////////
// OPEN_LOGICAL_CHANNEL  //
///////////////////////////

type OpenLogicalChannelRequest struct {
	Slot uint8
	Aid  []byte
}

const (
	tlvOpenChannelAid uint8 = 0x10
	tlvOpenChannelID  uint8 = 0x10
	tlvOpenCardResult uint8 = 0x11
	tlvOpenSelectResp uint8 = 0x12
)

func (*OpenLogicalChannelRequest) Command() Command { return CmdOpenLogicalChannel }

func (r *OpenLogicalChannelRequest) marshalTLVs(w *tlvWriter) {
	w.putUint8(0x01, r.Slot)
	value := append([]byte{uint8(len(r.Aid))}, r.Aid...)
	w.put(tlvOpenChannelAid, value)
}

func (r *OpenLogicalChannelRequest) unmarshalTLVs(tlvs map[uint8][]byte) error {
	slot, ok := tlvs[0x01]
	if !ok || len(slot) < 1 {
		return fmt.Errorf("%w: slot", ErrMissingTLV)
	}
	r.Slot = slot[0]
	aid, ok := tlvs[tlvOpenChannelAid]
	if !ok || len(aid) < 1 || len(aid) < 1+int(aid[0]) {
		return fmt.Errorf("%w: aid", ErrMissingTLV)
	}
	r.Aid = make([]byte, aid[0])
	copy(r.Aid, aid[1:])
	return nil
}

type OpenLogicalChannelResponse struct {
	Result         Result
	ChannelIDValid bool
	ChannelID      uint8
	// Status word of the SELECT performed by the modem, when reported.
	CardResult []byte
	// FCI template returned by the applet SELECT, when reported.
	SelectResponse []byte
}

func (*OpenLogicalChannelResponse) Command() Command { return CmdOpenLogicalChannel }

func (r *OpenLogicalChannelResponse) marshalTLVs(w *tlvWriter) {
	w.putResult(r.Result)
	if len(r.SelectResponse) > 0 {
		value := append([]byte{uint8(len(r.SelectResponse))}, r.SelectResponse...)
		w.put(tlvOpenSelectResp, value)
	}
	if len(r.CardResult) > 0 {
		w.put(tlvOpenCardResult, r.CardResult)
	}
	if r.ChannelIDValid {
		w.putUint8(tlvOpenChannelID, r.ChannelID)
	}
}

func (r *OpenLogicalChannelResponse) unmarshalTLVs(tlvs map[uint8][]byte) error {
	var err error
	if r.Result, err = decodeResult(tlvs); err != nil {
		return err
	}
	if ch, ok := tlvs[tlvOpenChannelID]; ok && len(ch) >= 1 {
		r.ChannelIDValid = true
		r.ChannelID = ch[0]
	}
	if cr, ok := tlvs[tlvOpenCardResult]; ok {
		r.CardResult = append([]byte(nil), cr...)
	}
	if sr, ok := tlvs[tlvOpenSelectResp]; ok && len(sr) >= 1 && len(sr) >= 1+int(sr[0]) {
		r.SelectResponse = append([]byte(nil), sr[1:1+int(sr[0])]...)
	}
	return nil
}

///////////////////////////
// SEND_APDU             //
///////////////////////////

// Procedure bytes handling requested from the modem for APDU exchanges.
const (
	ProcedureBytesEnable  uint8 = 0
	ProcedureBytesDisable uint8 = 1
)

type SendApduRequest struct {
	Slot           uint8
	Apdu           []byte
	ChannelID      uint8
	ProcedureBytes uint8
}

const (
	tlvApduPayload        uint8 = 0x02
	tlvApduChannelID      uint8 = 0x10
	tlvApduProcedureBytes uint8 = 0x11
	tlvApduResponse       uint8 = 0x10
)

func (*SendApduRequest) Command() Command { return CmdSendApdu }

func (r *SendApduRequest) marshalTLVs(w *tlvWriter) {
	w.putUint8(0x01, r.Slot)
	value := binary.LittleEndian.AppendUint16(nil, uint16(len(r.Apdu)))
	value = append(value, r.Apdu...)
	w.put(tlvApduPayload, value)
	w.putUint8(tlvApduChannelID, r.ChannelID)
	w.putUint8(tlvApduProcedureBytes, r.ProcedureBytes)
}

func (r *SendApduRequest) unmarshalTLVs(tlvs map[uint8][]byte) error {
	slot, ok := tlvs[0x01]
	if !ok || len(slot) < 1 {
		return fmt.Errorf("%w: slot", ErrMissingTLV)
	}
	r.Slot = slot[0]

	payload, ok := tlvs[tlvApduPayload]
	if !ok || len(payload) < 2 {
		return fmt.Errorf("%w: apdu", ErrMissingTLV)
	}
	alen := int(binary.LittleEndian.Uint16(payload))
	if len(payload) < 2+alen {
		return fmt.Errorf("%w: apdu", ErrMalformedTLV)
	}
	r.Apdu = append([]byte(nil), payload[2:2+alen]...)

	if ch, ok := tlvs[tlvApduChannelID]; ok && len(ch) >= 1 {
		r.ChannelID = ch[0]
	}
	if pb, ok := tlvs[tlvApduProcedureBytes]; ok && len(pb) >= 1 {
		r.ProcedureBytes = pb[0]
	}
	return nil
}

type SendApduResponse struct {
	Result Result
	// Response APDU bytes including the trailing status word.
	ApduResponse []byte
}

func (*SendApduResponse) Command() Command { return CmdSendApdu }

func (r *SendApduResponse) marshalTLVs(w *tlvWriter) {
	w.putResult(r.Result)
	if r.ApduResponse != nil {
		value := binary.LittleEndian.AppendUint16(nil, uint16(len(r.ApduResponse)))
		value = append(value, r.ApduResponse...)
		w.put(tlvApduResponse, value)
	}
}

func (r *SendApduResponse) unmarshalTLVs(tlvs map[uint8][]byte) error {
	var err error
	if r.Result, err = decodeResult(tlvs); err != nil {
		return err
	}
	if payload, ok := tlvs[tlvApduResponse]; ok && len(payload) >= 2 {
		alen := int(binary.LittleEndian.Uint16(payload))
		if len(payload) < 2+alen {
			return fmt.Errorf("%w: apdu response", ErrMalformedTLV)
		}
		r.ApduResponse = append([]byte(nil), payload[2:2+alen]...)
	}
	return nil
}
