// Package qrtr implements the datagram transport used to exchange QMI
// messages with the modem firmware over AF_QIPCRTR sockets.
package qrtr

import (
	"encoding/binary"
	"errors"
)

// Control port of every QRTR node. Packets arriving from this port are
// control packets; everything else is service payload.
const PortCtrl uint32 = 0xFFFFFFFE

// Control packet commands, per the kernel qrtr interface.
const (
	TypeHello     uint32 = 1
	TypeBye       uint32 = 2
	TypeNewServer uint32 = 4
	TypeDelServer uint32 = 5
	TypeDelClient uint32 = 6
	TypeResumeTx  uint32 = 7
	TypeExit      uint32 = 8
	TypePing      uint32 = 9
	TypeNewLookup uint32 = 10
	TypeDelLookup uint32 = 11
)

const ctrlPacketLen = 20

var ErrShortPacket = errors.New("qrtr: control packet too short")

// Metadata identifies the remote end of a datagram.
type Metadata struct {
	Node uint32
	Port uint32
}

// ControlPacket is the fixed-size payload exchanged with the control port.
// For server announcements all five fields are meaningful; lookups only
// fill Cmd, Service and Instance.
type ControlPacket struct {
	Cmd      uint32
	Service  uint32
	Instance uint32
	Node     uint32
	Port     uint32
}

func (p *ControlPacket) Marshal() []byte {
	buf := make([]byte, ctrlPacketLen)
	binary.LittleEndian.PutUint32(buf[0:], p.Cmd)
	binary.LittleEndian.PutUint32(buf[4:], p.Service)
	binary.LittleEndian.PutUint32(buf[8:], p.Instance)
	binary.LittleEndian.PutUint32(buf[12:], p.Node)
	binary.LittleEndian.PutUint32(buf[16:], p.Port)
	return buf
}

func UnmarshalControlPacket(data []byte) (*ControlPacket, error) {
	if len(data) < ctrlPacketLen {
		return nil, ErrShortPacket
	}
	return &ControlPacket{
		Cmd:      binary.LittleEndian.Uint32(data[0:]),
		Service:  binary.LittleEndian.Uint32(data[4:]),
		Instance: binary.LittleEndian.Uint32(data[8:]),
		Node:     binary.LittleEndian.Uint32(data[12:]),
		Port:     binary.LittleEndian.Uint32(data[16:]),
	}, nil
}

// ServiceInstance packs a service version pair into the instance field of a
// lookup packet.
func ServiceInstance(versionMajor, versionMinor uint16) uint32 {
	return uint32(versionMajor) | uint32(versionMinor)<<8
}
