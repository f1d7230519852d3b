package app

// LinkCap is the fixed capacity of a link ring.
const LinkCap = 256

// Link is a bounded single-producer single-consumer packet ring. Read
// and write counters are free-running; indexing masks them down, so
// wrap-around is transparent.
type Link struct {
	ring  [LinkCap]*Packet
	read  uint32
	write uint32

	// TxDrop counts packets dropped by Transmit on a full ring.
	TxDrop uint64
}

// Empty reports whether there is nothing to receive.
func (l *Link) Empty() bool {
	return l.read == l.write
}

// Full reports whether Transmit would drop.
func (l *Link) Full() bool {
	return l.write-l.read == LinkCap
}

// Nreadable returns the number of queued packets.
func (l *Link) Nreadable() int {
	return int(l.write - l.read)
}

// Transmit queues p. A packet transmitted on a full link is dropped and
// counted, matching the framework's lossy link contract.
func (l *Link) Transmit(p *Packet) {
	if l.Full() {
		l.TxDrop++
		return
	}

	l.ring[l.write&(LinkCap-1)] = p
	l.write++
}

// Receive dequeues the oldest packet, or nil if the link is empty.
func (l *Link) Receive() *Packet {
	if l.Empty() {
		return nil
	}

	p := l.ring[l.read&(LinkCap-1)]
	l.read++

	return p
}
