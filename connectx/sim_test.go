package connectx

// The simulated device stands in for the card's firmware. It owns a
// fake BAR and resolves DMA through a SlicePool, processes the command
// entry synchronously whenever the command queue's sleep hook fires,
// records the opcode trace, enforces the work queue state machine, and
// can inject health syndromes, capability limits, and received frames.

import (
	"github.com/c35s/connectx/dma"
	"github.com/c35s/connectx/hw"
)

const simBARSize = 1 << 20

type simCmd struct {
	Opcode uint32
	Opmod  uint32
}

type simCQ struct {
	ring uint64 // ring base physical address
	n    int
	pc   uint32 // producer counter
}

type simEQ struct {
	ring uint64
	n    int
	pc   uint32
}

type simWQ struct {
	base  uint64
	n     int
	dbr   uint64
	cqn   uint32
	state uint32
	ci    uint32 // device-side consumer
}

type simDevice struct {
	bar  []byte
	pool *dma.SlicePool

	trace  []simCmd
	resets int

	// injected state
	health    uint8
	startBusy int // ready-bit reads left before the device reports ready
	caps      Caps

	// firmware-side object state
	nextID    map[string]uint32
	issi      uint32
	pages     []uint64
	eq        *simEQ
	eqBitmask uint64
	cqs       map[uint32]*simCQ
	rq, sq    *simWQ
	tables    int
	groups    int
	entries   int
	rootTable uint32
	adminUp   bool
	loopback  uint8

	// datapath records
	rxAddrs  []uint64
	txFrames [][]byte

	// byte copy of the command entry as of its last completion, and the
	// last command's input linearized across inline window and mailboxes
	lastEntry []byte
	lastIn    []byte
}

func newSim() *simDevice {
	s := &simDevice{
		bar:       make([]byte, simBARSize),
		pool:      dma.NewSlicePool(0x10000000),
		startBusy: 3,
		nextID:    map[string]uint32{},
		cqs:       map[uint32]*simCQ{},

		caps: Caps{
			LogMaxCQSz: 24, LogMaxCQ: 24,
			LogMaxEQSz: 24, LogMaxEQ: 8,
			LogMaxSQSz: 15, LogMaxSQ: 16,
			LogMaxRQSz: 15, LogMaxRQ: 16,
			LogMaxTIR: 12, LogMaxTIS: 12,
			NumPorts: 1,
		},
	}

	// firmware revision 14.20, command interface revision 1
	hw.PutU32(s.bar, segFWRev, 20<<16|14)
	hw.PutU32(s.bar, segCmdIfRev, 1<<16)

	// still initializing until a few steps pass
	hw.SetBitsAt(s.bar, segInitializing, 31, 31, 1)

	return s
}

// dev bundles the sim as a driver-visible device.
func (s *simDevice) dev() *device {
	return &device{
		bar:   s.bar,
		alloc: s.pool,
		reset: func() { s.resets++ },
		sleep: s.step,
	}
}

// step is wired into the command queue's sleep hook: it advances the
// firmware one move, completing at most one command.
func (s *simDevice) step() {
	if s.startBusy > 0 {
		s.startBusy--
		if s.startBusy == 0 {
			hw.SetBitsAt(s.bar, segInitializing, 31, 31, 0)
		}

		return
	}

	if s.health != 0 {
		hw.SetBitsAt(s.bar, segHealthSyndrome, 31, 24, uint32(s.health))
		return
	}

	s.process()
}

func (s *simDevice) setHealth(code uint8) {
	s.health = code
}

func (s *simDevice) entryMem() []byte {
	phys := uint64(hw.GetU32(s.bar, segCmdQPhyAddrHi))<<32 |
		uint64(hw.AlignDown(uint64(hw.GetU32(s.bar, segCmdQPhyAddrLo)), 4096))

	return s.pool.At(phys, cmdEntrySize)
}

// process handles the command entry if the host has posted one.
func (s *simDevice) process() {
	e := s.entryMem()
	if e == nil || hw.GetBits(e, cmdCtrl, 0, 0) == 0 {
		return
	}

	finish := func(delivery uint8) {
		hw.SetBitsAt(e, cmdCtrl, 23, 16, 0x5a) // signature
		hw.SetBitsAt(e, cmdCtrl, 7, 1, uint32(delivery))
		hw.SetBitsAt(e, cmdCtrl, 0, 0, 0)
		s.lastEntry = append([]byte(nil), e...)
	}

	if hw.GetBits(e, cmdType, 31, 24) != 7 {
		finish(0x0a) // bad command type
		return
	}

	token := uint8(hw.GetBits(e, cmdCtrl, 31, 24))

	in, delivery := s.walkChain(e, cmdInLen, cmdInMboxHi, cmdInInline, token)
	if delivery != 0 {
		finish(delivery)
		return
	}

	out, delivery := s.walkChain(e, cmdOutLen, cmdOutMboxHi, cmdOutInline, token)
	if delivery != 0 {
		finish(delivery)
		return
	}

	var (
		opcode = in.getBits(0x00, 31, 16)
		opmod  = in.getBits(0x04, 15, 0)
	)

	s.trace = append(s.trace, simCmd{Opcode: opcode, Opmod: opmod})
	s.lastIn = flattenIO(in, int(hw.GetU32(e, cmdInLen)))

	status, syndrome := s.dispatch(opcode, opmod, in, out)

	out.setBits(0x00, 31, 24, uint32(status))
	out.setU32(0x04, syndrome)
	finish(0)
}

// walkChain builds a cmdIO over the entry's inline window plus its
// mailbox chain, validating block numbers and tokens like the device
// does. The returned delivery status is non-zero on a malformed chain.
func (s *simDevice) walkChain(e []byte, lenOff, ptrOff, inlineOff int, token uint8) (*cmdIO, uint8) {
	total := int(hw.GetU32(e, lenOff))
	boxes := make([]*dma.Buf, 0, mailboxesFor(total))

	next := uint64(hw.GetU32(e, ptrOff))<<32 | uint64(hw.GetU32(e, ptrOff+4))

	for i := 0; i < mailboxesFor(total); i++ {
		if next == 0 {
			if ptrOff == cmdInMboxHi {
				return nil, 0x05 // bad input pointer
			}

			return nil, 0x04 // bad output pointer
		}

		mem := s.pool.At(next, mboxSize)
		if mem == nil {
			return nil, 0x05
		}

		if hw.GetU32(mem, mboxBlockNum) != uint32(i) {
			return nil, 0x03 // bad block number
		}

		if uint8(hw.GetBits(mem, mboxToken, 23, 16)) != token {
			return nil, 0x02 // token error
		}

		boxes = append(boxes, &dma.Buf{Bytes: mem, Phys: next})
		next = uint64(hw.GetU32(mem, mboxNextHi))<<32 | uint64(hw.GetU32(mem, mboxNextLo))
	}

	return &cmdIO{inline: e[inlineOff : inlineOff+inlineSize], boxes: boxes}, 0
}

func (s *simDevice) alloc(kind string, base uint32) uint32 {
	id := base + s.nextID[kind]
	s.nextID[kind]++
	return id
}

func (s *simDevice) dispatch(opcode, opmod uint32, in, out *cmdIO) (status uint8, syndrome uint32) {
	switch opcode {

	case opEnableHCA, opInitHCA, opTeardownHCA, opDisableHCA:
		return 0, 0

	case opSetISSI:
		s.issi = in.getU32(0x08)
		return 0, 0

	case opQueryPages:
		switch PagesKind(opmod) {
		case BootPages:
			out.setU32(0x0c, 4)

		case InitPages:
			out.setU32(0x0c, 8)

		case RegularPages:
			out.setU32(0x0c, 8)

		default:
			return 0x03, 0x107 // bad param
		}

		return 0, 0

	case opManagePages:
		if opmod != 1 {
			return 0x03, 0x108
		}

		count := int(in.getU32(0x0c))
		declared := int(hw.GetU32(s.entryMem(), cmdInLen))

		if declared != 0x10+8*count {
			return 0x50, 0x108 // bad input len
		}

		for i := 0; i < count; i++ {
			s.pages = append(s.pages, in.getU64(0x10+8*i))
		}

		return 0, 0

	case opQueryHCACap:
		s.encodeCaps(out)
		return 0, 0

	case opAllocUAR:
		out.setBits(0x08, 23, 0, s.alloc("uar", 8))
		return 0, 0

	case opAllocPD:
		out.setBits(0x08, 23, 0, s.alloc("pd", 0x30))
		return 0, 0

	case opAllocTransportDomain:
		out.setBits(0x08, 23, 0, s.alloc("td", 0x40))
		return 0, 0

	case opQuerySpecialContexts:
		out.setU32(0x0c, 0x1fff00) // reserved lkey
		return 0, 0

	case opCreateEQ:
		logSize := int(in.getBits(0x10+0x18, 28, 24))
		if logSize > int(s.caps.LogMaxEQSz) {
			return 0x08, 0x301 // exceed limit
		}

		s.eq = &simEQ{ring: in.getU64(0x110), n: 1 << logSize}
		s.eqBitmask = in.getU64(0x58)

		out.setBits(0x08, 7, 0, s.alloc("eq", 0x0a))
		return 0, 0

	case opCreateCQ:
		const ctx = 0x10

		logSize := int(in.getBits(ctx+0x0c, 28, 24))
		if logSize > int(s.caps.LogMaxCQSz) {
			return 0x08, 0x400
		}

		cqn := s.alloc("cq", 0x20)
		s.cqs[cqn] = &simCQ{
			ring: in.getU64(0x110),
			n:    1 << logSize,
		}

		out.setBits(0x08, 23, 0, cqn)
		return 0, 0

	case opCreateTIS:
		out.setBits(0x08, 23, 0, s.alloc("tis", 0x60))
		return 0, 0

	case opCreateTIR:
		out.setBits(0x08, 23, 0, s.alloc("tir", 0x70))
		return 0, 0

	case opCreateRQ:
		wq, st := s.parseWQ(in, int(s.caps.LogMaxRQSz))
		if st != 0 {
			return st, 0x908
		}

		s.rq = wq
		out.setBits(0x08, 23, 0, s.alloc("rq", 0x80))
		return 0, 0

	case opCreateSQ:
		wq, st := s.parseWQ(in, int(s.caps.LogMaxSQSz))
		if st != 0 {
			return st, 0x904
		}

		s.sq = wq
		out.setBits(0x08, 23, 0, s.alloc("sq", 0x90))
		return 0, 0

	case opModifyRQ:
		return s.modifyWQ(s.rq, in), 0x909

	case opModifySQ:
		return s.modifyWQ(s.sq, in), 0x905

	case opCreateFlowTable:
		s.tables++
		out.setBits(0x08, 23, 0, s.alloc("ft", 0xa0))
		return 0, 0

	case opCreateFlowGroup:
		s.groups++
		out.setBits(0x08, 23, 0, s.alloc("fg", 0xb0))
		return 0, 0

	case opSetFlowTableEntry:
		s.entries++
		return 0, 0

	case opSetFlowTableRoot:
		s.rootTable = in.getBits(0x14, 23, 0)
		return 0, 0

	case opAccessRegister:
		return s.accessRegister(opmod, in, out), 0

	case opQueryVportState:
		oper := uint32(0)
		if s.adminUp {
			oper = 1
			out.setBits(0x0c, 7, 4, 1)
		}

		out.setBits(0x0c, 3, 0, oper)
		return 0, 0

	case opQueryNICVportContext:
		const ctx = 0x10

		out.setBits(ctx+0xf4, 15, 0, 0x0200)
		out.setU32(ctx+0xf8, 0x00000001)
		return 0, 0

	default:
		return 0, 0 // unknown commands succeed with empty output
	}
}

func (s *simDevice) parseWQ(in *cmdIO, logMax int) (*simWQ, uint8) {
	const (
		ctx = 0x20
		wq  = ctx + 0x30
	)

	logSize := int(in.getBits(wq+wqSizes, 4, 0))
	if logSize > logMax {
		return nil, 0x08 // exceed limit
	}

	return &simWQ{
		base:  in.getU64(wq + wqPAS),
		n:     1 << logSize,
		dbr:   in.getU64(wq + wqDbrAddr),
		cqn:   in.getBits(ctx+0x08, 23, 0),
		state: QueueRST,
	}, 0
}

// modifyWQ enforces the queue state machine: only RST→RDY, RDY→ERR and
// ERR→RST are legal, and the declared current state must match.
func (s *simDevice) modifyWQ(wq *simWQ, in *cmdIO) uint8 {
	const ctx = 0x20

	if wq == nil {
		return 0x05 // bad resource
	}

	var (
		curr = in.getBits(0x08, 31, 28)
		next = in.getBits(ctx+0x00, 23, 20)
	)

	if curr != wq.state {
		return 0x09 // bad resource state
	}

	legal := (curr == QueueRST && next == QueueRDY) ||
		(curr == QueueRDY && next == QueueERR) ||
		(curr == QueueERR && next == QueueRST)

	if !legal {
		return 0x09
	}

	wq.state = next
	return 0
}

func (s *simDevice) accessRegister(opmod uint32, in, out *cmdIO) uint8 {
	reg := RegisterID(in.getBits(0x08, 15, 0))

	switch reg {
	case RegPAOS:
		if opmod == accessRegWrite {
			if in.getBits(regData+0x04, 31, 31) == 1 {
				s.adminUp = in.getBits(regData+0x00, 11, 8) == PortUp
			}

			return 0
		}

		admin := uint32(PortDown)
		oper := uint32(PortDown)
		if s.adminUp {
			admin, oper = PortUp, PortUp
		}

		out.setBits(regData+0x00, 23, 16, 1)
		out.setBits(regData+0x00, 11, 8, admin)
		out.setBits(regData+0x00, 3, 0, oper)
		return 0

	case RegPPLR:
		if opmod == accessRegWrite {
			s.loopback = uint8(in.getBits(regData+0x04, 7, 0))
			return 0
		}

		out.setBits(regData+0x04, 23, 16, 0x3) // local + remote capable
		out.setBits(regData+0x04, 7, 0, uint32(s.loopback))
		return 0

	default:
		return 0x03 // bad param
	}
}

func (s *simDevice) encodeCaps(out *cmdIO) {
	c := s.caps

	out.setBits(capBase+capCQ, 23, 16, uint32(c.LogMaxCQSz))
	out.setBits(capBase+capCQ, 4, 0, uint32(c.LogMaxCQ))
	out.setBits(capBase+capEQ, 23, 16, uint32(c.LogMaxEQSz))
	out.setBits(capBase+capEQ, 3, 0, uint32(c.LogMaxEQ))
	out.setBits(capBase+capSQ, 23, 16, uint32(c.LogMaxSQSz))
	out.setBits(capBase+capSQ, 4, 0, uint32(c.LogMaxSQ))
	out.setBits(capBase+capRQ, 23, 16, uint32(c.LogMaxRQSz))
	out.setBits(capBase+capRQ, 4, 0, uint32(c.LogMaxRQ))
	out.setBits(capBase+capTIRS, 12, 8, uint32(c.LogMaxTIR))
	out.setBits(capBase+capTIRS, 4, 0, uint32(c.LogMaxTIS))
	out.setBits(capBase+capPorts, 11, 8, uint32(c.NumPorts))
}

// deliverRx consumes one posted receive WQE, copies frame into its
// buffer, and publishes a completion on the RQ's CQ.
func (s *simDevice) deliverRx(frame []byte) bool {
	if s.rq == nil || s.rq.state != QueueRDY {
		return false
	}

	// the doorbell record's receive counter is the producer
	dbr := s.pool.At(s.rq.dbr, 8)
	pc := hw.GetU32(dbr, dbrRecv) & 0xffff

	if uint16(s.rq.ci) == uint16(pc) {
		return false // ring is empty
	}

	slot := int(s.rq.ci) & (s.rq.n - 1)
	wqe := s.pool.At(s.rq.base+uint64(slot*rqStride), rqStride)

	var (
		size = int(hw.GetU32(wqe, rqeByteCount))
		addr = hw.GetU64(wqe, rqeAddr)
	)

	if len(frame) > size {
		return false
	}

	copy(s.pool.At(addr, len(frame)), frame)
	s.rxAddrs = append(s.rxAddrs, addr)

	s.completeCQ(s.rq.cqn, uint16(s.rq.ci), uint32(len(frame)))
	s.rq.ci++

	return true
}

// collectTx consumes send WQEs up to the doorbell record's send counter
// and returns the transmitted frames, publishing completions as it goes.
func (s *simDevice) collectTx() [][]byte {
	if s.sq == nil || s.sq.state != QueueRDY {
		return nil
	}

	dbr := s.pool.At(s.sq.dbr, 8)
	pc := hw.GetU32(dbr, dbrSend) & 0xffff

	var frames [][]byte

	for uint16(s.sq.ci) != uint16(pc) {
		slot := int(s.sq.ci) & (s.sq.n - 1)
		wqe := s.pool.At(s.sq.base+uint64(slot*sqStride), sqStride)

		inline := int(wqe[sqeInlineSz])<<8 | int(wqe[sqeInlineSz+1])

		var (
			count = int(hw.GetU32(wqe, sqeData))
			addr  = hw.GetU64(wqe, sqeData+8)
		)

		frame := make([]byte, 0, inline+count)
		frame = append(frame, wqe[sqeInlineData:sqeInlineData+inline]...)

		if count > 0 {
			frame = append(frame, s.pool.At(addr, count)...)
		}

		frames = append(frames, frame)
		s.completeCQ(s.sq.cqn, uint16(s.sq.ci), uint32(len(frame)))
		s.sq.ci++
	}

	s.txFrames = append(s.txFrames, frames...)
	return frames
}

// postEvent publishes one async event on the event queue, handing the
// EQE to software.
func (s *simDevice) postEvent(eventType uint8) {
	if s.eq == nil {
		return
	}

	slot := int(s.eq.pc) & (s.eq.n - 1)
	eqe := s.pool.At(s.eq.ring+uint64(slot*eqeSize), eqeSize)

	eqe[eqeEventType] = eventType
	eqe[eqeOwner] = 0

	s.eq.pc++
}

// flattenIO copies a command's bytes out of the inline window and
// mailbox chain into one contiguous slice of logical offsets.
func flattenIO(c *cmdIO, total int) []byte {
	total = (total + 3) &^ 3
	flat := make([]byte, total)

	for off := 0; off < total; off += 4 {
		hw.PutU32(flat, off, c.getU32(off))
	}

	return flat
}

// completeCQ writes one CQE with the owner bit set to the producer's
// pass parity.
func (s *simDevice) completeCQ(cqn uint32, wqeCounter uint16, byteCnt uint32) {
	cq := s.cqs[cqn]
	if cq == nil {
		return
	}

	var (
		slot  = int(cq.pc) & (cq.n - 1)
		owner = uint8((cq.pc / uint32(cq.n)) & 1)
		cqe   = s.pool.At(cq.ring+uint64(slot*cqeSize), cqeSize)
	)

	for i := range cqe {
		cqe[i] = 0
	}

	hw.PutU32(cqe, cqeByteCnt, byteCnt)
	hw.SetBitsAt(cqe, cqeWQECounter, 31, 16, uint32(wqeCounter))
	cqe[cqeOpOwn] = 0<<4 | owner

	cq.pc++
}
