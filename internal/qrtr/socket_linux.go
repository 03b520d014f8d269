//go:build linux

package qrtr

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pccr10001/euiccd/pkg/logger"
)

// rawSockaddrQrtr mirrors the kernel's struct sockaddr_qrtr: a 16-bit
// address family followed by 32-bit node and port ids. x/sys has no
// Sockaddr wrapper for AF_QIPCRTR, so the address is marshalled by hand
// and passed to the raw socket syscalls.
type rawSockaddrQrtr struct {
	Family uint16
	_      uint16
	Node   uint32
	Port   uint32
}

func qrtrGetsockname(fd int) (*rawSockaddrQrtr, error) {
	var rsa rawSockaddrQrtr
	rsaLen := uint32(unsafe.Sizeof(rsa))
	_, _, errno := unix.Syscall(unix.SYS_GETSOCKNAME, uintptr(fd),
		uintptr(unsafe.Pointer(&rsa)), uintptr(unsafe.Pointer(&rsaLen)))
	if errno != 0 {
		return nil, errno
	}
	if rsa.Family != unix.AF_QIPCRTR {
		return nil, fmt.Errorf("unexpected sockaddr family %d", rsa.Family)
	}
	return &rsa, nil
}

func qrtrSendto(fd int, data []byte, node, port uint32) error {
	rsa := rawSockaddrQrtr{Family: unix.AF_QIPCRTR, Node: node, Port: port}
	var buf unsafe.Pointer
	if len(data) > 0 {
		buf = unsafe.Pointer(&data[0])
	}
	for {
		_, _, errno := unix.Syscall6(unix.SYS_SENDTO, uintptr(fd),
			uintptr(buf), uintptr(len(data)), 0,
			uintptr(unsafe.Pointer(&rsa)), unsafe.Sizeof(rsa))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

func qrtrRecvfrom(fd int, buf []byte) (int, *rawSockaddrQrtr, error) {
	var rsa rawSockaddrQrtr
	rsaLen := uint32(unsafe.Sizeof(rsa))
	var p unsafe.Pointer
	if len(buf) > 0 {
		p = unsafe.Pointer(&buf[0])
	}
	for {
		n, _, errno := unix.Syscall6(unix.SYS_RECVFROM, uintptr(fd),
			uintptr(p), uintptr(len(buf)), 0,
			uintptr(unsafe.Pointer(&rsa)), uintptr(unsafe.Pointer(&rsaLen)))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, nil, errno
		}
		return int(n), &rsa, nil
	}
}

// qrtrSocket is the AF_QIPCRTR implementation of Socket. A poll goroutine
// surfaces readable events through the data-available callback.
type qrtrSocket struct {
	mu        sync.Mutex
	fd        int
	localNode uint32
	cb        func()
	done      chan struct{}
}

func NewSocket() Socket {
	return &qrtrSocket{fd: -1}
}

func (s *qrtrSocket) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd >= 0 {
		return nil
	}

	fd, err := unix.Socket(unix.AF_QIPCRTR, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("qrtr: socket: %w", err)
	}

	rsa, err := qrtrGetsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("qrtr: getsockname: %w", err)
	}

	s.fd = fd
	s.localNode = rsa.Node
	s.done = make(chan struct{})
	go s.pollLoop(fd, s.done)
	return nil
}

func (s *qrtrSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return nil
	}
	close(s.done)
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

func (s *qrtrSocket) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd >= 0
}

func (s *qrtrSocket) SetDataAvailableCallback(cb func()) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *qrtrSocket) pollLoop(fd int, done chan struct{}) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		select {
		case <-done:
			return
		default:
		}

		fds[0].Revents = 0
		n, err := unix.Poll(fds, 500)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.Log.Errorf("qrtr poll failed: %v", err)
			return
		}
		if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		s.mu.Lock()
		cb := s.cb
		s.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

func (s *qrtrSocket) StartService(service uint32, versionMajor, versionMinor uint16) error {
	pkt := ControlPacket{
		Cmd:      TypeNewLookup,
		Service:  service,
		Instance: ServiceInstance(versionMajor, versionMinor),
	}
	return s.Send(pkt.Marshal(), &Metadata{Node: s.localNode, Port: PortCtrl})
}

func (s *qrtrSocket) StopService(service uint32, versionMajor, versionMinor uint16) error {
	pkt := ControlPacket{
		Cmd:      TypeDelLookup,
		Service:  service,
		Instance: ServiceInstance(versionMajor, versionMinor),
	}
	return s.Send(pkt.Marshal(), &Metadata{Node: s.localNode, Port: PortCtrl})
}

func (s *qrtrSocket) Send(data []byte, meta *Metadata) error {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	if fd < 0 {
		return errors.New("qrtr: socket not open")
	}
	if meta == nil {
		return errors.New("qrtr: send requires peer metadata")
	}
	if err := qrtrSendto(fd, data, meta.Node, meta.Port); err != nil {
		return fmt.Errorf("qrtr: sendto: %w", err)
	}
	return nil
}

func (s *qrtrSocket) Recv(buf []byte, meta *Metadata) (int, error) {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	if fd < 0 {
		return 0, errors.New("qrtr: socket not open")
	}
	n, from, err := qrtrRecvfrom(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("qrtr: recvfrom: %w", err)
	}
	if meta != nil {
		meta.Node = from.Node
		meta.Port = from.Port
	}
	return n, nil
}
