package qrtr

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestControlPacketRoundTrip(t *testing.T) {
	want := &ControlPacket{
		Cmd:      TypeNewServer,
		Service:  0x0B,
		Instance: 1,
		Node:     3,
		Port:     0x3B,
	}
	got, err := UnmarshalControlPacket(want.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("control packet round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestControlPacketWire(t *testing.T) {
	pkt := &ControlPacket{
		Cmd:      TypeNewServer,
		Service:  0x0B,
		Instance: 1,
		Node:     1,
		Port:     0x3B,
	}
	want := []byte{
		0x04, 0x00, 0x00, 0x00,
		0x0B, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x3B, 0x00, 0x00, 0x00,
	}
	if diff := cmp.Diff(want, pkt.Marshal()); diff != "" {
		t.Errorf("NewServer wire bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalShortPacket(t *testing.T) {
	if _, err := UnmarshalControlPacket(make([]byte, 19)); err == nil {
		t.Fatal("19 bytes must not parse as a control packet")
	}
}

func TestServiceInstance(t *testing.T) {
	if got := ServiceInstance(1, 0); got != 1 {
		t.Errorf("ServiceInstance(1, 0) = %#x, want 1", got)
	}
	if got := ServiceInstance(1, 2); got != 0x201 {
		t.Errorf("ServiceInstance(1, 2) = %#x, want 0x201", got)
	}
}
