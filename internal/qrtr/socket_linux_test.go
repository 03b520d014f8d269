//go:build linux

package qrtr

import (
	"testing"
	"unsafe"
)

// The kernel expects a 12-byte sockaddr_qrtr: 16-bit family, 2 bytes of
// padding, then the 32-bit node and port ids.
func TestRawSockaddrQrtrLayout(t *testing.T) {
	var rsa rawSockaddrQrtr
	if got := unsafe.Sizeof(rsa); got != 12 {
		t.Errorf("sockaddr size = %d, want 12", got)
	}
	if got := unsafe.Offsetof(rsa.Family); got != 0 {
		t.Errorf("family offset = %d, want 0", got)
	}
	if got := unsafe.Offsetof(rsa.Node); got != 4 {
		t.Errorf("node offset = %d, want 4", got)
	}
	if got := unsafe.Offsetof(rsa.Port); got != 8 {
		t.Errorf("port offset = %d, want 8", got)
	}
}
