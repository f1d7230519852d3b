package connectx

import (
	"fmt"
	"net"

	"github.com/c35s/connectx/dma"
)

// firmware command opcodes

const (
	opQueryHCACap          = 0x100
	opInitHCA              = 0x102
	opTeardownHCA          = 0x103
	opEnableHCA            = 0x104
	opDisableHCA           = 0x105
	opQueryPages           = 0x107
	opManagePages          = 0x108
	opSetISSI              = 0x10b
	opQuerySpecialContexts = 0x203
	opCreateEQ             = 0x301
	opCreateCQ             = 0x400
	opQueryVportState      = 0x750
	opQueryNICVportContext = 0x754
	opAllocPD              = 0x800
	opAllocUAR             = 0x802
	opAccessRegister       = 0x805
	opAllocTransportDomain = 0x816
	opCreateTIR            = 0x900
	opCreateSQ             = 0x904
	opModifySQ             = 0x905
	opCreateRQ             = 0x908
	opModifyRQ             = 0x909
	opCreateTIS            = 0x912
	opSetFlowTableRoot     = 0x92f
	opCreateFlowTable      = 0x930
	opCreateFlowGroup      = 0x933
	opSetFlowTableEntry    = 0x936
)

// HCA issues firmware commands over a command queue. Every method is a
// thin shell: set the opcode and arguments, execute, extract outputs.
type HCA struct {
	q     *cmdQueue
	alloc dma.Allocator

	// pages holds every 4KiB page given to the firmware with
	// MANAGE_PAGES. The firmware owns them until TEARDOWN_HCA, so they
	// must stay referenced for the lifetime of the HCA.
	pages []*dma.Buf
}

func newHCA(q *cmdQueue, alloc dma.Allocator) *HCA {
	return &HCA{q: q, alloc: alloc}
}

// cmd runs one command with the opcode at inline offset 0 [31:16] and
// the opcode modifier at inline offset 4 [15:0].
func (h *HCA) cmd(name string, opcode, opmod uint32, inLen, outLen int, fill func(in *cmdIO), read func(out *cmdIO)) error {
	return h.q.exec(name, inLen, outLen, func(in *cmdIO) {
		in.setBits(0x00, 31, 16, opcode)
		in.setBits(0x04, 15, 0, opmod)

		if fill != nil {
			fill(in)
		}
	}, read)
}

// EnableHCA activates the command-plane persona of the device. It must
// be the first command after the queue address is written.
func (h *HCA) EnableHCA() error {
	return h.cmd("ENABLE_HCA", opEnableHCA, 0, 0x0c, 0x08, nil, nil)
}

// SetISSI selects the command-interface version.
func (h *HCA) SetISSI(issi uint32) error {
	return h.cmd("SET_ISSI", opSetISSI, 0, 0x0c, 0x0c, func(in *cmdIO) {
		in.setU32(0x08, issi)
	}, nil)
}

// PagesKind selects which page budget QUERY_PAGES reports.
type PagesKind uint32

const (
	BootPages    PagesKind = 1
	InitPages    PagesKind = 2
	RegularPages PagesKind = 3
)

func (k PagesKind) String() string {
	switch k {
	case BootPages:
		return "boot"

	case InitPages:
		return "init"

	case RegularPages:
		return "regular"

	default:
		return fmt.Sprintf("PagesKind(%d)", uint32(k))
	}
}

// QueryPages asks how many 4KiB pages the firmware wants for the given
// phase. The count is signed: negative means the firmware has pages to
// return.
func (h *HCA) QueryPages(which PagesKind) (int, error) {
	var n int32

	err := h.cmd("QUERY_PAGES", opQueryPages, uint32(which), 0x0c, 0x10, nil, func(out *cmdIO) {
		n = int32(out.getU32(0x0c))
	})

	return int(n), err
}

// AllocPages gives the firmware n freshly allocated 4KiB pages with
// MANAGE_PAGES. Exactly n physical addresses are written, one per page.
func (h *HCA) AllocPages(n int) error {
	if n <= 0 {
		return nil
	}

	pages := make([]*dma.Buf, n)
	for i := range pages {
		b, err := h.alloc.Alloc(4096, 4096)
		if err != nil {
			return err
		}

		pages[i] = b
	}

	const opmodAllocate = 1

	err := h.cmd("MANAGE_PAGES", opManagePages, opmodAllocate, 0x10+8*n, 0x10, func(in *cmdIO) {
		in.setU32(0x0c, uint32(n))
		for i, b := range pages {
			in.setU64(0x10+8*i, b.Phys)
		}
	}, nil)

	if err != nil {
		return err
	}

	h.pages = append(h.pages, pages...)
	return nil
}

// InitHCA finishes command-plane initialization.
func (h *HCA) InitHCA() error {
	return h.cmd("INIT_HCA", opInitHCA, 0, 0x0c, 0x0c, nil, nil)
}

// TeardownMode selects how TEARDOWN_HCA releases device state.
type TeardownMode uint32

const (
	TeardownGraceful TeardownMode = 0
	TeardownPanic    TeardownMode = 1
)

// TeardownHCA releases all device objects and pages.
func (h *HCA) TeardownHCA(mode TeardownMode) error {
	return h.cmd("TEARDOWN_HCA", opTeardownHCA, uint32(mode), 0x0c, 0x0c, nil, nil)
}

// DisableHCA is the last command before the device is reset.
func (h *HCA) DisableHCA() error {
	return h.cmd("DISABLE_HCA", opDisableHCA, 0, 0x0c, 0x0c, nil, nil)
}

// AllocUAR allocates a user access region, a page of doorbell registers
// in the BAR. The returned value is the page index.
func (h *HCA) AllocUAR() (uint32, error) {
	var uar uint32

	err := h.cmd("ALLOC_UAR", opAllocUAR, 0, 0x0c, 0x0c, nil, func(out *cmdIO) {
		uar = out.getBits(0x08, 23, 0)
	})

	return uar, err
}

// AllocPD allocates a protection domain.
func (h *HCA) AllocPD() (uint32, error) {
	var pd uint32

	err := h.cmd("ALLOC_PD", opAllocPD, 0, 0x0c, 0x0c, nil, func(out *cmdIO) {
		pd = out.getBits(0x08, 23, 0)
	})

	return pd, err
}

// AllocTransportDomain allocates a transport domain for TIR/TIS objects.
func (h *HCA) AllocTransportDomain() (uint32, error) {
	var td uint32

	err := h.cmd("ALLOC_TRANSPORT_DOMAIN", opAllocTransportDomain, 0, 0x0c, 0x0c, nil, func(out *cmdIO) {
		td = out.getBits(0x08, 23, 0)
	})

	return td, err
}

// QuerySpecialContexts returns the reserved lkey used for DMA by
// physical address, without memory-region registration.
func (h *HCA) QuerySpecialContexts() (uint32, error) {
	var rlkey uint32

	err := h.cmd("QUERY_SPECIAL_CONTEXTS", opQuerySpecialContexts, 0, 0x0c, 0x10, nil, func(out *cmdIO) {
		rlkey = out.getU32(0x0c)
	})

	return rlkey, err
}

// CreateTIS creates a transport interface send object anchoring the send
// queue in the transport domain.
func (h *HCA) CreateTIS(prio, td uint32) (uint32, error) {
	var tisn uint32

	const ctx = 0x20 // TIS context

	err := h.cmd("CREATE_TIS", opCreateTIS, 0, 0xc0, 0x0c, func(in *cmdIO) {
		in.setBits(ctx+0x00, 19, 16, prio)
		in.setBits(ctx+0x24, 23, 0, td)
	}, func(out *cmdIO) {
		tisn = out.getBits(0x08, 23, 0)
	})

	return tisn, err
}

// CreateTIRDirect creates a transport interface receive object that
// dispatches every packet straight to one RQ, with no RSS hashing.
func (h *HCA) CreateTIRDirect(rqn, td uint32) (uint32, error) {
	var tirn uint32

	const ctx = 0x20 // TIR context

	err := h.cmd("CREATE_TIR", opCreateTIR, 0, 0x110, 0x0c, func(in *cmdIO) {
		in.setBits(ctx+0x04, 31, 28, 0) // disp_type = direct
		in.setBits(ctx+0x1c, 23, 0, rqn)
		in.setBits(ctx+0x24, 23, 0, td)
	}, func(out *cmdIO) {
		tirn = out.getBits(0x08, 23, 0)
	})

	return tirn, err
}

// QueryVportState returns the (admin, oper) state of the NIC vport.
// 0 is down, 1 is up.
func (h *HCA) QueryVportState() (admin, oper uint8, err error) {
	err = h.cmd("QUERY_VPORT_STATE", opQueryVportState, 0, 0x0c, 0x10, nil, func(out *cmdIO) {
		admin = uint8(out.getBits(0x0c, 7, 4))
		oper = uint8(out.getBits(0x0c, 3, 0))
	})

	return
}

// QueryPermanentMAC reads the port's burned-in address from the NIC
// vport context.
func (h *HCA) QueryPermanentMAC() (net.HardwareAddr, error) {
	const ctx = 0x10 // NIC vport context in the output

	mac := make(net.HardwareAddr, 6)

	err := h.cmd("QUERY_NIC_VPORT_CONTEXT", opQueryNICVportContext, 0, 0x10, 0x110, nil, func(out *cmdIO) {
		hi := out.getBits(ctx+0xf4, 15, 0)
		lo := out.getU32(ctx + 0xf8)

		mac[0] = uint8(hi >> 8)
		mac[1] = uint8(hi)
		mac[2] = uint8(lo >> 24)
		mac[3] = uint8(lo >> 16)
		mac[4] = uint8(lo >> 8)
		mac[5] = uint8(lo)
	})

	return mac, err
}
