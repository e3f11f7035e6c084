// Package domain contains entity without logic, just meta-data
package domain

// ConnID is the transport-level identity of one signaling connection.
// It lives exactly as long as the underlying socket.
type ConnID string

// ServerTarget is the reserved "to" value addressing the server-side
// relay peer instead of another connection.
const ServerTarget = "server"

type RoomName string

// DeliveryPath says where synthesized audio for a connection goes.
// The two real paths are mutually exclusive at any instant.
type DeliveryPath int

const (
	PathNone DeliveryPath = iota
	PathSocket
	PathDataChannel
)

func (p DeliveryPath) String() string {
	switch p {
	case PathSocket:
		return "socket"
	case PathDataChannel:
		return "datachannel"
	default:
		return "none"
	}
}
