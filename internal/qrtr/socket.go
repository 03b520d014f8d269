package qrtr

// Socket abstracts the QRTR endpoint so the controller can be driven by a
// fake modem in tests. The real implementation is NewSocket (Linux only).
type Socket interface {
	Open() error
	Close() error
	IsValid() bool

	// StartService asks the name service to announce servers for the given
	// service. The announcement arrives asynchronously as a NewServer
	// control packet.
	StartService(service uint32, versionMajor, versionMinor uint16) error
	StopService(service uint32, versionMajor, versionMinor uint16) error

	// Send transmits one datagram to the peer identified by meta.
	Send(data []byte, meta *Metadata) error
	// Recv reads one datagram into buf and fills meta with the sender.
	Recv(buf []byte, meta *Metadata) (int, error)

	// SetDataAvailableCallback installs the function invoked whenever the
	// socket becomes readable. The callback must consume the pending
	// datagram via Recv before returning.
	SetDataAvailableCallback(cb func())
}
