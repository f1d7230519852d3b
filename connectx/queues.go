package connectx

import (
	"github.com/c35s/connectx/dma"
	"github.com/c35s/connectx/hw"
)

// EQEs, CQEs and send WQEs are 64-byte records; receive WQEs are 16 bytes.
// EQEs and CQEs carry an owner bit that the device flips when it
// publishes an entry; WQEs are host-built.

const (
	eqeSize = 64
	cqeSize = 64

	sqStride = 64 // log_wq_stride = 6
	rqStride = 16 // log_wq_stride = 4
)

// event queue entry fields

const (
	eqeEventType = 0x01 // event type byte; 0xff means unused
	eqeOwner     = 0x3f // owner bit [0]
)

// async event types

const (
	EventPageRequest = 0x0b
	EventPortChange  = 0x09
)

// completion queue entry fields

const (
	cqeByteCnt    = 0x2c // received/sent byte count
	cqeWQECounter = 0x38 // wqe counter [31:16]
	cqeOpOwn      = 0x3f // opcode [7:4], owner [0]

	cqeOpcodeInvalid = 0xf
)

// work queue state machine

const (
	QueueRST uint32 = 0
	QueueRDY uint32 = 1
	QueueERR uint32 = 3
)

// shared WQ context block offsets, relative to the block base

const (
	wqType    = 0x00 // wq_type [31:28]: 1 = cyclic
	wqPD      = 0x08 // pd [23:0]
	wqDbrAddr = 0x10 // doorbell record address, 64 bits
	wqSizes   = 0x20 // log_wq_stride [19:16], log_wq_pg_sz [12:8], log_wq_size [4:0]
	wqPAS     = 0xc0 // physical address list

	wqTypeCyclic = 1
)

// eventQueue is the single async event queue. The driver polls it
// opportunistically; no interrupts are wired.
type eventQueue struct {
	eqn  uint32
	ring *dma.Buf
	n    int
	ci   uint32
}

const logEQSize = 7 // 128 entries

// CreateEQ creates the event queue: 128 entries, one contiguous ring
// handed over as a single PAS entry, subscribed to page-request events
// only.
func (h *HCA) CreateEQ(uar uint32) (*eventQueue, error) {
	n := 1 << logEQSize

	ring, err := h.alloc.Alloc(n*eqeSize, 4096)
	if err != nil {
		return nil, err
	}

	// every EQE starts hardware-owned
	for i := 0; i < n; i++ {
		ring.Bytes[i*eqeSize+eqeOwner] = 1
	}

	const ctx = 0x10

	eq := &eventQueue{ring: ring, n: n}

	err = h.cmd("CREATE_EQ", opCreateEQ, 0, 0x118, 0x0c, func(in *cmdIO) {
		in.setBits(ctx+0x0c, 23, 0, uar)
		in.setBits(ctx+0x18, 28, 24, logEQSize)

		// event bitmask: page requests only
		in.setU32(0x5c, 1<<EventPageRequest)

		in.setU64(0x110, ring.Phys)
	}, func(out *cmdIO) {
		eq.eqn = out.getBits(0x08, 7, 0)
	})

	if err != nil {
		return nil, err
	}

	return eq, nil
}

// poll walks published events, invoking handle for each. Unknown event
// types are handled (and logged) by the caller's handler; poll itself
// never fails. Consumed entries are returned to hardware ownership.
func (eq *eventQueue) poll(handle func(eventType uint8, eqe []byte)) {
	for {
		i := int(eq.ci) & (eq.n - 1)
		eqe := eq.ring.Bytes[i*eqeSize : (i+1)*eqeSize]

		if eqe[eqeOwner]&1 != 0 || eqe[eqeEventType] == 0xff {
			return
		}

		handle(eqe[eqeEventType], eqe)

		eqe[eqeEventType] = 0xff
		eqe[eqeOwner] = 1
		eq.ci++
	}
}

// complQueue is a completion queue with an owned doorbell record.
type complQueue struct {
	cqn      uint32
	ring     *dma.Buf
	doorbell *dma.Buf
	n        int
	ci       uint32
}

// CreateCQ creates a completion queue of the given entry count (a power
// of two), bound to an EQ for completion events the driver never arms.
func (h *HCA) CreateCQ(entries int, uar, eqn uint32) (*complQueue, error) {
	if entries&(entries-1) != 0 {
		panic("cq entries must be a power of two")
	}

	ring, err := h.alloc.Alloc(entries*cqeSize, 4096)
	if err != nil {
		return nil, err
	}

	// mark every CQE invalid and hardware-owned
	for i := 0; i < entries; i++ {
		ring.Bytes[i*cqeSize+cqeOpOwn] = cqeOpcodeInvalid<<4 | 1
	}

	db, err := h.alloc.Alloc(16, 16)
	if err != nil {
		return nil, err
	}

	const ctx = 0x10

	cq := &complQueue{ring: ring, doorbell: db, n: entries}

	err = h.cmd("CREATE_CQ", opCreateCQ, 0, 0x118, 0x0c, func(in *cmdIO) {
		in.setBits(ctx+0x0c, 28, 24, uint32(log2(entries)))
		in.setBits(ctx+0x0c, 23, 0, uar)
		in.setBits(ctx+0x14, 7, 0, eqn)
		in.setU64(ctx+0x38, db.Phys)
		in.setU64(0x110, ring.Phys)
	}, func(out *cmdIO) {
		cq.cqn = out.getBits(0x08, 23, 0)
	})

	if err != nil {
		return nil, err
	}

	return cq, nil
}

// next returns the next published completion, or ok=false when the queue
// is drained. The owner bit alternates per pass over the ring; a CQE is
// software-owned when its owner bit matches the consumer's pass parity
// and its opcode is not the invalid marker.
func (cq *complQueue) next() (cqe []byte, ok bool) {
	i := int(cq.ci) & (cq.n - 1)
	c := cq.ring.Bytes[i*cqeSize : (i+1)*cqeSize]

	op := c[cqeOpOwn]
	owner := op & 1
	parity := uint8((cq.ci / uint32(cq.n)) & 1)

	if op>>4 == cqeOpcodeInvalid || owner != parity {
		return nil, false
	}

	cq.ci++
	return c, true
}

// updateDoorbell publishes the consumer counter so the device can reuse
// reaped CQEs.
func (cq *complQueue) updateDoorbell() {
	hw.PutU32(cq.doorbell.Bytes, 0, cq.ci&0xffffff)
}

// cqeGetByteCnt returns the completed byte count of a CQE.
func cqeGetByteCnt(cqe []byte) uint32 {
	return hw.GetU32(cqe, cqeByteCnt)
}

// cqeGetWQECounter returns the WQE counter a CQE completes.
func cqeGetWQECounter(cqe []byte) uint16 {
	return uint16(hw.GetBits(cqe, cqeWQECounter, 31, 16))
}

// sendQueue owns the TX ring: one 64-byte WQE and one packet buffer per
// slot, a shared doorbell record, and the UAR doorbell window.
type sendQueue struct {
	sqn      uint32
	wqes     []byte
	n        int
	pc       uint32 // producer: WQEs posted
	cc       uint32 // consumer: WQEs completed
	doorbell *dma.Buf
	uarDB    []byte
	bufs     []*dma.Buf
}

// recvQueue owns the RX ring: one 16-byte WQE and one packet buffer per
// slot, sharing the doorbell record with the send queue.
type recvQueue struct {
	rqn      uint32
	wqes     []byte
	n        int
	pc       uint32
	doorbell *dma.Buf
	bufs     []*dma.Buf
}

// doorbell record layout: receive counter at +0, send counter at +4

const (
	dbrRecv = 0
	dbrSend = 4
)

// CreateSQ creates the send queue over a caller-owned WQE ring.
func (h *HCA) CreateSQ(cqn, pd uint32, entries int, dbr uint64, wqeBase uint64, tis uint32) (uint32, error) {
	const (
		ctx = 0x20
		wq  = ctx + 0x30
	)

	var sqn uint32

	err := h.cmd("CREATE_SQ", opCreateSQ, 0, 0x118, 0x0c, func(in *cmdIO) {
		in.setBits(ctx+0x00, 31, 31, 1) // rlkey
		in.setBits(ctx+0x00, 29, 29, 1) // fre
		in.setBits(ctx+0x00, 28, 28, 1) // flush_in_error_en
		in.setBits(ctx+0x00, 26, 24, 1) // min_wqe_inline_mode: L2
		in.setBits(ctx+0x08, 23, 0, cqn)
		in.setBits(ctx+0x20, 31, 16, 1) // tis_lst_sz
		in.setBits(ctx+0x2c, 23, 0, tis)

		in.setBits(wq+wqType, 31, 28, wqTypeCyclic)
		in.setBits(wq+wqPD, 23, 0, pd)
		in.setU64(wq+wqDbrAddr, dbr)
		in.setBits(wq+wqSizes, 19, 16, 6) // 64B stride
		in.setBits(wq+wqSizes, 4, 0, uint32(log2(entries)))
		in.setU64(wq+wqPAS, wqeBase)
	}, func(out *cmdIO) {
		sqn = out.getBits(0x08, 23, 0)
	})

	return sqn, err
}

// CreateRQ creates the receive queue over a caller-owned WQE ring.
func (h *HCA) CreateRQ(cqn, pd uint32, entries int, dbr uint64, wqeBase uint64) (uint32, error) {
	const (
		ctx = 0x20
		wq  = ctx + 0x30
	)

	var rqn uint32

	err := h.cmd("CREATE_RQ", opCreateRQ, 0, 0x118, 0x0c, func(in *cmdIO) {
		in.setBits(ctx+0x00, 31, 31, 1) // rlkey
		in.setBits(ctx+0x00, 28, 28, 1) // vlan_strip_disable
		in.setBits(ctx+0x08, 23, 0, cqn)

		in.setBits(wq+wqType, 31, 28, wqTypeCyclic)
		in.setBits(wq+wqPD, 23, 0, pd)
		in.setU64(wq+wqDbrAddr, dbr)
		in.setBits(wq+wqSizes, 19, 16, 4) // 16B stride
		in.setBits(wq+wqSizes, 4, 0, uint32(log2(entries)))
		in.setU64(wq+wqPAS, wqeBase)
	}, func(out *cmdIO) {
		rqn = out.getBits(0x08, 23, 0)
	})

	return rqn, err
}

// ModifySQ moves the send queue between RST, RDY, and ERR.
func (h *HCA) ModifySQ(sqn, curr, next uint32) error {
	const ctx = 0x20

	return h.cmd("MODIFY_SQ", opModifySQ, 0, 0x118, 0x0c, func(in *cmdIO) {
		in.setBits(0x08, 31, 28, curr)
		in.setBits(0x08, 23, 0, sqn)
		in.setBits(ctx+0x00, 23, 20, next)
	}, nil)
}

// ModifyRQ moves the receive queue between RST, RDY, and ERR.
func (h *HCA) ModifyRQ(rqn, curr, next uint32) error {
	const ctx = 0x20

	return h.cmd("MODIFY_RQ", opModifyRQ, 0, 0x118, 0x0c, func(in *cmdIO) {
		in.setBits(0x08, 31, 28, curr)
		in.setBits(0x08, 23, 0, rqn)
		in.setBits(ctx+0x00, 23, 20, next)
	}, nil)
}

func log2(n int) int {
	if n <= 0 || n&(n-1) != 0 {
		panic("not a power of two")
	}

	k := 0
	for 1<<uint(k) < n {
		k++
	}

	return k
}
