package connectx

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/c35s/connectx/app"
	"github.com/c35s/connectx/dma"
	"github.com/c35s/connectx/pci"
)

// Config describes a NIC.
type Config struct {

	// PCIAddress is the full address of the function, like "0000:01:00.0".
	PCIAddress string

	// SendQSize and RecvQSize are the work queue entry counts. They
	// must be powers of two no smaller than 2. A zero size defaults to
	// 1024.
	SendQSize int
	RecvQSize int

	// MAC overrides the port's permanent address. If nil, the permanent
	// address is queried from the NIC vport context after bring-up.
	MAC net.HardwareAddr

	// DumpCommands, if set, receives a hexdump of every command entry
	// and input mailbox in mlx5_core's dump format.
	DumpCommands io.Writer

	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

var (
	ErrConfig  = errors.New("connectx: invalid config")
	ErrBringUp = errors.New("connectx: bring-up failed")
	ErrNotUp   = errors.New("connectx: firmware never became ready")
)

// device bundles the hardware surface the driver runs on: the mapped
// BAR, the DMA allocator, and a best-effort reset hook. Tests substitute
// a simulated device.
type device struct {
	bar   []byte
	alloc dma.Allocator
	reset func()
	close func()

	// sleep, if set, replaces the command queue's poll delay. Tests use
	// it to step a simulated device instead of waiting on the clock.
	sleep func()
}

// NIC is one ConnectX port with a working receive and transmit path. It
// implements app.App: attach Input and Output links and tick it from the
// engine.
type NIC struct {
	// Input is drained into the send queue by Push.
	Input *app.Link

	// Output receives packets reaped from the receive queue by Pull.
	Output *app.Link

	cfg Config
	dev *device
	log *slog.Logger

	seg *initSegment
	hca *HCA

	uar   uint32
	pd    uint32
	td    uint32
	tis   uint32
	tir   uint32
	rlkey uint32

	eq   *eventQueue
	txcq *complQueue
	rxcq *complQueue
	sq   *sendQueue
	rq   *recvQueue

	flowTable uint32
	flowGroup uint32

	mac net.HardwareAddr

	// counters
	RxPackets, RxBytes uint64
	TxPackets, TxBytes uint64
	RxDrop             uint64
}

// Open binds the PCI function, maps its BAR, and brings the port up to a
// working RX/TX path.
func Open(cfg Config) (*NIC, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	pcidev, err := pci.Open(pci.Addr(cfg.PCIAddress))
	if err != nil {
		return nil, err
	}

	pool, err := dma.NewPool()
	if err != nil {
		pcidev.Close()
		return nil, err
	}

	dev := &device{
		bar:   pcidev.BAR0,
		alloc: pool,
		reset: func() { pci.Reset(pcidev.Addr) },
		close: func() { pcidev.Close() },
	}

	return start(cfg, dev)
}

// start runs the bring-up sequence on an already-mapped device. Any
// failure tears down best-effort and resets the device.
func start(cfg Config, dev *device) (*NIC, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	n := &NIC{
		cfg: cfg,
		dev: dev,
		log: cfg.Logger,
		mac: cfg.MAC,
	}

	if err := n.bringUp(); err != nil {
		n.abort()
		return nil, fmt.Errorf("%w: %w", ErrBringUp, err)
	}

	return n, nil
}

// bringUp is the ordered sequence that turns a freshly reset device into
// one with a working RX path. Every step is synchronous; the first error
// aborts.
func (n *NIC) bringUp() error {
	n.seg = newInitSegment(n.dev.bar)

	q, err := newCmdQueue(n.seg, n.dev.alloc)
	if err != nil {
		return err
	}

	q.dump = n.cfg.DumpCommands
	if n.dev.sleep != nil {
		q.sleep = n.dev.sleep
	}

	n.hca = newHCA(q, n.dev.alloc)

	q.init()

	if !n.seg.WaitReady(readyTimeout, q.sleep) {
		return ErrNotUp
	}

	fwMaj, fwMin := n.seg.FWRev()
	n.log.Info("connectx: firmware ready",
		"fw", fmt.Sprintf("%d.%d", fwMaj, fwMin),
		"cmd_if", n.seg.CmdIfRev())

	if err := n.hca.EnableHCA(); err != nil {
		return err
	}

	if err := n.hca.SetISSI(1); err != nil {
		return err
	}

	for _, which := range []PagesKind{BootPages, InitPages} {
		if err := n.providePages(which); err != nil {
			return err
		}

		if which == InitPages {
			if err := n.hca.InitHCA(); err != nil {
				return err
			}
		}
	}

	if err := n.providePages(RegularPages); err != nil {
		return err
	}

	if n.uar, err = n.hca.AllocUAR(); err != nil {
		return err
	}

	if n.eq, err = n.hca.CreateEQ(n.uar); err != nil {
		return err
	}

	if n.pd, err = n.hca.AllocPD(); err != nil {
		return err
	}

	if n.td, err = n.hca.AllocTransportDomain(); err != nil {
		return err
	}

	if n.rlkey, err = n.hca.QuerySpecialContexts(); err != nil {
		return err
	}

	if n.tis, err = n.hca.CreateTIS(0, n.td); err != nil {
		return err
	}

	if n.txcq, err = n.hca.CreateCQ(n.cfg.SendQSize, n.uar, n.eq.eqn); err != nil {
		return err
	}

	if n.rxcq, err = n.hca.CreateCQ(n.cfg.RecvQSize, n.uar, n.eq.eqn); err != nil {
		return err
	}

	if err := n.buildWorkQueues(); err != nil {
		return err
	}

	if n.tir, err = n.hca.CreateTIRDirect(n.rq.rqn, n.td); err != nil {
		return err
	}

	if err := n.buildFlowTable(); err != nil {
		return err
	}

	if err := n.hca.ModifyRQ(n.rq.rqn, QueueRST, QueueRDY); err != nil {
		return err
	}

	if err := n.hca.ModifySQ(n.sq.sqn, QueueRST, QueueRDY); err != nil {
		return err
	}

	if n.mac == nil {
		if n.mac, err = n.hca.QueryPermanentMAC(); err != nil {
			return err
		}
	}

	n.postRecvRing()

	n.log.Info("connectx: port is up",
		"mac", n.mac.String(),
		"sendq", n.cfg.SendQSize,
		"recvq", n.cfg.RecvQSize)

	return nil
}

// buildWorkQueues allocates one contiguous WQE region for both rings —
// receive ring at the base, send ring right after recvq 64-byte slots
// (the midpoint when both queues have the same size) — a shared 16-byte
// doorbell record, and per-slot packet buffers.
func (n *NIC) buildWorkQueues() error {
	var (
		sendq = n.cfg.SendQSize
		recvq = n.cfg.RecvQSize
	)

	region, err := n.dev.alloc.Alloc((sendq+recvq)*sqStride, 4096)
	if err != nil {
		return err
	}

	dbr, err := n.dev.alloc.Alloc(16, 16)
	if err != nil {
		return err
	}

	var (
		rqBase = region.Phys
		sqBase = region.Phys + uint64(recvq)*sqStride
	)

	rqn, err := n.hca.CreateRQ(n.rxcq.cqn, n.pd, recvq, dbr.Phys, rqBase)
	if err != nil {
		return err
	}

	n.rq = &recvQueue{
		rqn:      rqn,
		wqes:     region.Bytes[:recvq*sqStride],
		n:        recvq,
		doorbell: dbr,
	}

	sqn, err := n.hca.CreateSQ(n.txcq.cqn, n.pd, sendq, dbr.Phys, sqBase, n.tis)
	if err != nil {
		return err
	}

	n.sq = &sendQueue{
		sqn:      sqn,
		wqes:     region.Bytes[recvq*sqStride:],
		n:        sendq,
		doorbell: dbr,
		uarDB:    n.dev.bar[int(n.uar)*4096 : int(n.uar+1)*4096],
	}

	if err := n.allocPacketBufs(); err != nil {
		return err
	}

	return nil
}

func (n *NIC) allocPacketBufs() error {
	n.rq.bufs = make([]*dma.Buf, n.rq.n)
	for i := range n.rq.bufs {
		b, err := n.dev.alloc.Alloc(packetBufSize, 64)
		if err != nil {
			return err
		}

		n.rq.bufs[i] = b
	}

	n.sq.bufs = make([]*dma.Buf, n.sq.n)
	for i := range n.sq.bufs {
		b, err := n.dev.alloc.Alloc(packetBufSize, 64)
		if err != nil {
			return err
		}

		n.sq.bufs[i] = b
	}

	return nil
}

// buildFlowTable programs RX dispatch: one table, a wildcard group
// spanning a single index, one entry forwarding to the TIR, and the
// table as pipeline root.
func (n *NIC) buildFlowTable() error {
	const logSize = 4

	ft, err := n.hca.CreateFlowTable(FlowTableRX, logSize)
	if err != nil {
		return err
	}

	n.flowTable = ft

	fg, err := n.hca.CreateFlowGroupWildcard(ft, FlowTableRX, 0, 0)
	if err != nil {
		return err
	}

	n.flowGroup = fg

	if err := n.hca.SetFlowTableEntryWildcard(ft, FlowTableRX, fg, 0, n.tir); err != nil {
		return err
	}

	return n.hca.SetFlowTableRoot(ft, FlowTableRX)
}

// Up brings the port administratively up.
func (n *NIC) Up() error {
	return n.hca.SetAdminStatus(true)
}

// HCA exposes the command surface for tools and tests that need raw
// firmware access alongside the datapath.
func (n *NIC) HCA() *HCA {
	return n.hca
}

// MAC returns the address in use: the configured one, or the port's
// permanent address.
func (n *NIC) MAC() net.HardwareAddr {
	return n.mac
}

// Stop tears the device down: queues to error and reset, a graceful
// teardown, disable, and finally a device reset so the next driver finds
// clean state. Every step is best-effort.
func (n *NIC) Stop() {
	if n.sq != nil {
		n.tryModify("sq", func() error { return n.hca.ModifySQ(n.sq.sqn, QueueRDY, QueueERR) })
		n.tryModify("sq", func() error { return n.hca.ModifySQ(n.sq.sqn, QueueERR, QueueRST) })
	}

	if n.rq != nil {
		n.tryModify("rq", func() error { return n.hca.ModifyRQ(n.rq.rqn, QueueRDY, QueueERR) })
		n.tryModify("rq", func() error { return n.hca.ModifyRQ(n.rq.rqn, QueueERR, QueueRST) })
	}

	if err := n.hca.TeardownHCA(TeardownGraceful); err != nil {
		n.log.Error("connectx: teardown", "error", err)
	}

	if err := n.hca.DisableHCA(); err != nil {
		n.log.Error("connectx: disable", "error", err)
	}

	n.abort()
}

func (n *NIC) tryModify(q string, f func() error) {
	if err := f(); err != nil {
		n.log.Error("connectx: queue modify during stop", "queue", q, "error", err)
	}
}

// abort resets and releases the device without talking to the firmware.
func (n *NIC) abort() {
	if n.dev.reset != nil {
		n.dev.reset()
	}

	if n.dev.close != nil {
		n.dev.close()
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.SendQSize == 0 {
		cfg.SendQSize = 1024
	}

	if cfg.RecvQSize == 0 {
		cfg.RecvQSize = 1024
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.PCIAddress == "" {
		return fmt.Errorf("%w: pciaddress is required", ErrConfig)
	}

	for _, sz := range []int{cfg.SendQSize, cfg.RecvQSize} {
		if sz < 2 || sz&(sz-1) != 0 {
			return fmt.Errorf("%w: queue size %d is not a power of two >= 2", ErrConfig, sz)
		}
	}

	if cfg.MAC != nil && len(cfg.MAC) != 6 {
		return fmt.Errorf("%w: MAC must be 6 bytes", ErrConfig)
	}

	return nil
}

// providePages asks the firmware how many pages a phase needs and
// provides exactly that many.
func (n *NIC) providePages(which PagesKind) error {
	count, err := n.hca.QueryPages(which)
	if err != nil {
		return err
	}

	if count <= 0 {
		return nil
	}

	return n.hca.AllocPages(count)
}
