package connectx

import (
	"time"

	"github.com/c35s/connectx/app"
	"github.com/c35s/connectx/hw"
)

const (
	// packetBufSize is the DMA buffer backing one WQE slot: a full
	// frame with VLAN, rounded up.
	packetBufSize = 2048

	// readyTimeout bounds the wait for firmware initialization.
	readyTimeout = 10 * time.Second

	// tickBudget bounds completions reaped per push or pull.
	tickBudget = 256
)

// send WQE layout: a 16-byte control segment, an Ethernet segment whose
// inline window carries the first txInlineSize packet bytes, and one
// data segment pointing at the rest of the packet buffer.

const (
	sqeCtrl       = 0x00 // [23:8] wqe index, [7:0] opcode
	sqeCtrlQN     = 0x04 // [31:8] sqn, [5:0] ds count
	sqeCtrlFlags  = 0x08 // [3:2] completion mode: 2 = CQE always
	sqeEth        = 0x10
	sqeInlineSz   = 0x1c // [15:0] inline header size (byte offset 0x1c..0x1d)
	sqeInlineData = 0x1e
	sqeData       = 0x30 // data segment: byte count, lkey, address
	txInlineSize  = 16
	sqeOpcodeSend = 0x0a
	sqeDsCount    = 4 // 4 x 16-byte units
	sqeCQEAlways  = 2
	uarDBOffset   = 0x800 // doorbell window inside the UAR page
)

// receive WQE layout: a single 16-byte data segment.

const (
	rqeByteCount = 0x00
	rqeLKey      = 0x04
	rqeAddr      = 0x08
)

// Pull reaps receive completions into the Output link, reposts the
// consumed buffers, and opportunistically drains the event queue.
func (n *NIC) Pull() {
	n.eq.poll(n.handleEvent)

	if n.Output == nil {
		return
	}

	reaped := 0
	for ; reaped < tickBudget && !n.Output.Full(); reaped++ {
		cqe, ok := n.rxcq.next()
		if !ok {
			break
		}

		var (
			slot = int(cqeGetWQECounter(cqe)) & (n.rq.n - 1)
			size = int(cqeGetByteCnt(cqe))
		)

		if size > app.MaxPacketLen {
			n.RxDrop++
			size = 0 // repost below, transmit nothing
		}

		if size > 0 {
			p := app.NewPacket(n.rq.bufs[slot].Bytes[:size])
			n.Output.Transmit(p)

			n.RxPackets++
			n.RxBytes += uint64(size)
		}

		n.postRecv(slot)
	}

	if reaped > 0 {
		n.rxcq.updateDoorbell()
		n.ringRecvDoorbell()
	}
}

// Push drains the Input link into send WQEs, rings the send doorbell,
// and reaps transmit completions to free slots.
func (n *NIC) Push() {
	for reaped := 0; reaped < tickBudget; reaped++ {
		if _, ok := n.txcq.next(); !ok {
			break
		}

		n.sq.cc++
	}

	n.txcq.updateDoorbell()

	if n.Input == nil {
		return
	}

	posted := 0
	for n.sq.pc-n.sq.cc < uint32(n.sq.n) {
		p := n.Input.Receive()
		if p == nil {
			break
		}

		n.postSend(p.Bytes())
		posted++
	}

	if posted > 0 {
		n.ringSendDoorbell()
	}
}

// postSend builds one send WQE for data and advances the producer.
func (n *NIC) postSend(data []byte) {
	var (
		slot = int(n.sq.pc) & (n.sq.n - 1)
		wqe  = n.sq.wqes[slot*sqStride : (slot+1)*sqStride]
		buf  = n.sq.bufs[slot]
	)

	for i := range wqe {
		wqe[i] = 0
	}

	copy(buf.Bytes, data)

	inline := len(data)
	if inline > txInlineSize {
		inline = txInlineSize
	}

	hw.PutU32(wqe, sqeCtrl, uint32(n.sq.pc&0xffff)<<8|sqeOpcodeSend)
	hw.PutU32(wqe, sqeCtrlQN, n.sq.sqn<<8|sqeDsCount)
	hw.PutU32(wqe, sqeCtrlFlags, sqeCQEAlways<<2)

	wqe[sqeInlineSz] = uint8(inline >> 8)
	wqe[sqeInlineSz+1] = uint8(inline)
	copy(wqe[sqeInlineData:sqeInlineData+txInlineSize], data[:inline])

	hw.PutU32(wqe, sqeData, uint32(len(data)-inline))
	hw.PutU32(wqe, sqeData+4, n.rlkey)
	hw.PutU64(wqe, sqeData+8, buf.Phys+txInlineSize)

	n.sq.pc++
	n.TxPackets++
	n.TxBytes += uint64(len(data))
}

// postRecv points one receive WQE slot at its packet buffer and
// advances the producer.
func (n *NIC) postRecv(slot int) {
	var (
		wqe = n.rq.wqes[slot*rqStride : (slot+1)*rqStride]
		buf = n.rq.bufs[slot]
	)

	hw.PutU32(wqe, rqeByteCount, packetBufSize)
	hw.PutU32(wqe, rqeLKey, n.rlkey)
	hw.PutU64(wqe, rqeAddr, buf.Phys)

	n.rq.pc++
}

// postRecvRing fills the whole receive ring at bring-up.
func (n *NIC) postRecvRing() {
	for i := 0; i < n.rq.n; i++ {
		n.postRecv(i)
	}

	n.ringRecvDoorbell()
}

// ringRecvDoorbell publishes the receive producer counter in the shared
// doorbell record.
func (n *NIC) ringRecvDoorbell() {
	hw.PutU32(n.rq.doorbell.Bytes, dbrRecv, n.rq.pc&0xffff)
}

// ringSendDoorbell publishes the send producer counter in the doorbell
// record, then writes the first control words of the latest WQE to the
// UAR doorbell register to kick the device.
func (n *NIC) ringSendDoorbell() {
	hw.PutU32(n.sq.doorbell.Bytes, dbrSend, n.sq.pc&0xffff)

	last := (int(n.sq.pc-1) & (n.sq.n - 1)) * sqStride
	hw.PutU32(n.sq.uarDB, uarDBOffset, hw.GetU32(n.sq.wqes, last))
	hw.PutU32(n.sq.uarDB, uarDBOffset+4, hw.GetU32(n.sq.wqes, last+4))
}

// handleEvent dispatches async events from the event queue. Unknown
// events are logged and skipped; the datapath never fails on them.
func (n *NIC) handleEvent(eventType uint8, eqe []byte) {
	switch eventType {
	case EventPageRequest:
		n.log.Warn("connectx: firmware page request deferred", "eqe", eqe[:8])

	case EventPortChange:
		n.log.Info("connectx: port state change")

	default:
		n.log.Info("connectx: unknown async event", "type", eventType)
	}
}
