package p2p

import (
	"time"

	"github.com/Klingon-tech/klingnet-gossip/internal/membership"
	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
)

// Wire and transport limits.
const (
	// DefaultMaxMessageSize caps one framed message body.
	DefaultMaxMessageSize = 4 << 20

	// DefaultDialTimeout bounds one outbound connection attempt.
	DefaultDialTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds one framed write.
	DefaultWriteTimeout = 5 * time.Second

	// DefaultMaxConcurrentSends bounds the fan-out of one broadcast.
	DefaultMaxConcurrentSends = 32

	// DefaultDialRate is the steady-state outbound dial rate per second.
	DefaultDialRate = 20
)

// Message is one gossip exchange: the sender and its full view.
type Message struct {
	Sender types.Address   `json:"sender"`
	Peers  membership.View `json:"peers"`
}

// Direction of a session relative to this node.
type Direction uint8

const (
	DirOutbound Direction = iota + 1
	DirInbound
)

func (d Direction) String() string {
	switch d {
	case DirOutbound:
		return "outbound"
	case DirInbound:
		return "inbound"
	default:
		return "unknown"
	}
}
