package core

// Frame is a raw payload for one outbound transport message.
type Frame []byte

// SignalConn abstracts the system messaging transport for one connection.
// Owned by the adapter; the adapter must Close() it.
type SignalConn interface {
	// TrySend queues a text (JSON) frame without blocking.
	TrySend(Frame) error
	// TrySendBinary queues a binary frame without blocking.
	TrySendBinary(Frame) error
	Close()
}
