// Package app is a minimal cooperative packet-processing framework. Apps
// exchange packets over bounded shared-memory links and are ticked by an
// engine: each tick pulls new packets out of devices into their output
// links, then pushes input links into devices. No app blocks; all work is
// bounded per tick.
package app

// App processes packets. Pull fills output links, Push drains input
// links. Either may be a no-op.
type App interface {
	Pull()
	Push()
}

// Stopper is implemented by apps that hold external resources.
type Stopper interface {
	Stop()
}

// MaxPacketLen is the largest payload a Packet can carry: a full
// Ethernet frame plus a VLAN tag.
const MaxPacketLen = 1514 + 4

// Packet is a byte buffer with a payload length.
type Packet struct {
	buf [MaxPacketLen]byte
	Len uint16
}

// NewPacket returns a packet holding a copy of data.
func NewPacket(data []byte) *Packet {
	p := new(Packet)
	p.SetBytes(data)
	return p
}

// Bytes returns the payload.
func (p *Packet) Bytes() []byte {
	return p.buf[:p.Len]
}

// SetBytes copies data into the packet, truncating at MaxPacketLen.
func (p *Packet) SetBytes(data []byte) {
	n := copy(p.buf[:], data)
	p.Len = uint16(n)
}
