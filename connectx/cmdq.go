package connectx

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/c35s/connectx/dma"
	"github.com/c35s/connectx/hw"
)

// The command interface is a single 64-byte command queue entry in DMA
// memory plus two chains of mailbox pages, one for input and one for
// output. The host fills the entry and mailboxes, rings doorbell 0 on
// the init segment, and polls the entry's ownership bit until the
// firmware hands it back.

// command entry offsets

const (
	cmdType      = 0x00 // type [31:24], always 7
	cmdInLen     = 0x04 // input length in bytes
	cmdInMboxHi  = 0x08 // input mailbox pointer [63:32]
	cmdInMboxLo  = 0x0c // input mailbox pointer [31:9]
	cmdInInline  = 0x10 // 16 inline input bytes
	cmdOutInline = 0x20 // 16 inline output bytes
	cmdOutMboxHi = 0x30 // output mailbox pointer [63:32]
	cmdOutMboxLo = 0x34 // output mailbox pointer [31:9]
	cmdOutLen    = 0x38 // output length in bytes
	cmdCtrl      = 0x3c // token [31:24], signature [23:16], status [7:1], ownership [0]
)

const cmdEntrySize = 0x40

// mailbox page offsets

const (
	mboxDataSize = 0x200 // data bytes per mailbox page
	mboxNextHi   = 0x230 // next mailbox pointer [63:32]
	mboxNextLo   = 0x234 // next mailbox pointer [31:10]
	mboxBlockNum = 0x238 // index of this page in the chain
	mboxToken    = 0x23c // token [23:16]
	mboxSize     = 0x240
)

// maxMailboxes bounds each chain. The largest command in use is the
// capability query with ~4KiB of output; 1000 pages leaves plenty of
// slack for bulk page transfers.
const maxMailboxes = 1000

// inlineSize is the number of command bytes carried in the entry itself
// before the mailbox chain takes over.
const inlineSize = 16

var ErrMailboxOverflow = errors.New("connectx: command exceeds mailbox capacity")

// HealthError reports a non-zero health syndrome observed while waiting
// for a command to complete.
type HealthError struct {
	Syndrome uint8
}

func (e *HealthError) Error() string {
	return fmt.Sprintf("connectx: device health syndrome %#02x", e.Syndrome)
}

// DeliveryError is a transport-level command failure: the firmware could
// not parse the entry or its mailboxes.
type DeliveryError struct {
	Cmd    string
	Status uint8
}

var deliveryStatusNames = map[uint8]string{
	0x01: "signature error",
	0x02: "token error",
	0x03: "bad block number",
	0x04: "bad output pointer",
	0x05: "bad input pointer",
	0x06: "internal error",
	0x07: "input len error",
	0x08: "output len error",
	0x09: "reserved not zero",
	0x0a: "bad command type",
}

func (e *DeliveryError) Error() string {
	name := deliveryStatusNames[e.Status]
	if name == "" {
		name = "unknown delivery status"
	}

	return fmt.Sprintf("connectx: %s: %s (%#02x)", e.Cmd, name, e.Status)
}

// CmdError is a command-level failure reported by the firmware, with its
// 32-bit syndrome.
type CmdError struct {
	Cmd      string
	Status   uint8
	Syndrome uint32
}

var cmdStatusNames = map[uint8]string{
	0x01: "INTERNAL_ERR",
	0x02: "BAD_OP",
	0x03: "BAD_PARAM",
	0x04: "BAD_SYS_STATE",
	0x05: "BAD_RESOURCE",
	0x06: "RESOURCE_BUSY",
	0x08: "EXCEED_LIM",
	0x09: "BAD_RES_STATE",
	0x10: "BAD_RESOURCE_STATE",
	0x0f: "NO_RESOURCES",
	0x30: "BAD_PKT",
	0x40: "BAD_SIZE",
	0x50: "BAD_INPUT_LEN",
	0x51: "BAD_OUTPUT_LEN",
}

func (e *CmdError) Error() string {
	name := cmdStatusNames[e.Status]
	if name == "" {
		name = "unknown status"
	}

	return fmt.Sprintf("connectx: %s failed: %s (%#02x) syndrome %#08x",
		e.Cmd, name, e.Status, e.Syndrome)
}

// cmdQueue drives the command channel. One command is in flight at a
// time; the token counter and mailbox chains belong to this instance.
type cmdQueue struct {
	seg   *initSegment
	alloc dma.Allocator

	entry  *dma.Buf
	inbox  []*dma.Buf
	outbox []*dma.Buf

	token uint8

	// sleep is called between ownership polls. Tests replace it to step
	// a simulated device instead of waiting on the wall clock.
	sleep func()

	// dump, when non-nil, receives a hexdump of the entry and every
	// input mailbox page before the doorbell rings, in the same layout
	// mlx5_core uses so captures can be diffed.
	dump io.Writer

	lastSignature uint8
}

func newCmdQueue(seg *initSegment, alloc dma.Allocator) (*cmdQueue, error) {
	entry, err := alloc.Alloc(cmdEntrySize, 4096)
	if err != nil {
		return nil, err
	}

	return &cmdQueue{
		seg:   seg,
		alloc: alloc,
		entry: entry,
		sleep: func() { time.Sleep(10 * time.Millisecond) },
	}, nil
}

// init writes the command queue address to the init segment. MSB first;
// the device latches on the LSB write.
func (q *cmdQueue) init() {
	q.seg.SetCmdQPhyAddr(q.entry.Phys)
}

// cmdIO addresses one direction of a command by logical byte offset.
// Offsets below 16 land in the entry's inline window; the rest are
// translated onto the mailbox chain, 512 data bytes per page.
type cmdIO struct {
	inline []byte
	boxes  []*dma.Buf
}

func (c *cmdIO) loc(off int) ([]byte, int) {
	if off < 0 {
		panic("negative command offset")
	}

	if off < inlineSize {
		return c.inline, off
	}

	off -= inlineSize
	box := off / mboxDataSize
	if box >= len(c.boxes) {
		panic(fmt.Sprintf("command offset %#x is beyond the mailbox chain", off+inlineSize))
	}

	return c.boxes[box].Bytes, off % mboxDataSize
}

func (c *cmdIO) setU32(off int, v uint32) {
	mem, o := c.loc(off)
	hw.PutU32(mem, o, v)
}

func (c *cmdIO) getU32(off int) uint32 {
	mem, o := c.loc(off)
	return hw.GetU32(mem, o)
}

func (c *cmdIO) setBits(off, hi, lo int, v uint32) {
	mem, o := c.loc(off)
	hw.SetBitsAt(mem, o, hi, lo, v)
}

func (c *cmdIO) getBits(off, hi, lo int) uint32 {
	mem, o := c.loc(off)
	return hw.GetBits(mem, o, hi, lo)
}

func (c *cmdIO) setU64(off int, v uint64) {
	c.setU32(off, hw.PhysHi(v))
	c.setU32(off+4, hw.PhysLo(v))
}

func (c *cmdIO) getU64(off int) uint64 {
	return uint64(c.getU32(off))<<32 | uint64(c.getU32(off+4))
}

// exec runs one command: build the entry and mailbox chains, let fill
// write the inputs, ring the doorbell, poll for completion, decode the
// two status layers, and hand the outputs to read.
func (q *cmdQueue) exec(name string, inLen, outLen int, fill func(in *cmdIO), read func(out *cmdIO)) error {
	e := q.entry.Bytes
	for i := range e {
		e[i] = 0
	}

	token := q.nextToken()

	hw.PutU32(e, cmdType, 7<<24)
	hw.PutU32(e, cmdInLen, uint32(inLen))
	hw.PutU32(e, cmdOutLen, uint32(outLen))
	hw.PutU32(e, cmdCtrl, uint32(token)<<24|1) // ownership = hardware

	nIn := mailboxesFor(inLen)
	nOut := mailboxesFor(outLen)

	if nIn > maxMailboxes {
		return fmt.Errorf("%w: input %d bytes", ErrMailboxOverflow, inLen)
	}

	if nOut > maxMailboxes {
		return fmt.Errorf("%w: output %d bytes", ErrMailboxOverflow, outLen)
	}

	if err := q.reserve(&q.inbox, nIn); err != nil {
		return err
	}

	if err := q.reserve(&q.outbox, nOut); err != nil {
		return err
	}

	q.chain(q.inbox[:nIn], token)
	q.chain(q.outbox[:nOut], token)

	if nIn > 0 {
		hw.PutU32(e, cmdInMboxHi, hw.PhysHi(q.inbox[0].Phys))
		hw.PutU32(e, cmdInMboxLo, hw.PhysLo(q.inbox[0].Phys))
	}

	if nOut > 0 {
		hw.PutU32(e, cmdOutMboxHi, hw.PhysHi(q.outbox[0].Phys))
		hw.PutU32(e, cmdOutMboxLo, hw.PhysLo(q.outbox[0].Phys))
	}

	if fill != nil {
		fill(&cmdIO{inline: e[cmdInInline : cmdInInline+inlineSize], boxes: q.inbox[:nIn]})
	}

	if q.dump != nil {
		q.dumpCommand(name, nIn)
	}

	q.seg.RingDoorbell(0)

	for hw.GetBits(e, cmdCtrl, 0, 0) == 1 {
		if hs := q.seg.HealthSyndrome(); hs != 0 {
			return &HealthError{Syndrome: hs}
		}

		q.sleep()
	}

	q.lastSignature = uint8(hw.GetBits(e, cmdCtrl, 23, 16))

	if st := uint8(hw.GetBits(e, cmdCtrl, 7, 1)); st != 0 {
		return &DeliveryError{Cmd: name, Status: st}
	}

	out := &cmdIO{inline: e[cmdOutInline : cmdOutInline+inlineSize], boxes: q.outbox[:nOut]}

	if st := uint8(out.getBits(0x00, 31, 24)); st != 0 {
		return &CmdError{Cmd: name, Status: st, Syndrome: out.getU32(0x04)}
	}

	if read != nil {
		read(out)
	}

	return nil
}

// nextToken advances the 8-bit token, skipping zero so a zeroed entry is
// never mistaken for a live one.
func (q *cmdQueue) nextToken() uint8 {
	q.token++
	if q.token == 0 {
		q.token = 1
	}

	return q.token
}

// mailboxesFor returns the chain length needed to carry n command bytes.
func mailboxesFor(n int) int {
	if n <= inlineSize {
		return 0
	}

	return (n - inlineSize + mboxDataSize - 1) / mboxDataSize
}

// reserve grows a mailbox chain to at least n pages.
func (q *cmdQueue) reserve(chain *[]*dma.Buf, n int) error {
	for len(*chain) < n {
		b, err := q.alloc.Alloc(mboxSize, 4096)
		if err != nil {
			return err
		}

		*chain = append(*chain, b)
	}

	return nil
}

// chain zeroes and links n mailbox pages: block numbers in order, every
// page stamped with the command token, next pointers chaining the pages
// so the device can walk them.
func (q *cmdQueue) chain(boxes []*dma.Buf, token uint8) {
	for i, b := range boxes {
		m := b.Bytes
		for j := range m {
			m[j] = 0
		}

		hw.PutU32(m, mboxBlockNum, uint32(i))
		hw.SetBitsAt(m, mboxToken, 23, 16, uint32(token))

		if i+1 < len(boxes) {
			hw.PutU32(m, mboxNextHi, hw.PhysHi(boxes[i+1].Phys))
			hw.PutU32(m, mboxNextLo, hw.PhysLo(boxes[i+1].Phys))
		}
	}
}

// dumpCommand writes the entry and input mailboxes in mlx5_core's dump
// format: the offset, then four words per line.
func (q *cmdQueue) dumpCommand(name string, nIn int) {
	fmt.Fprintf(q.dump, "%s entry:\n", name)
	dumpWords(q.dump, q.entry.Bytes)

	for i := 0; i < nIn; i++ {
		fmt.Fprintf(q.dump, "%s mailbox %d:\n", name, i)
		dumpWords(q.dump, q.inbox[i].Bytes)
	}
}

func dumpWords(w io.Writer, mem []byte) {
	for off := 0; off < len(mem); off += 16 {
		fmt.Fprintf(w, "%03x: %08x %08x %08x %08x\n", off,
			hw.GetU32(mem, off), hw.GetU32(mem, off+4),
			hw.GetU32(mem, off+8), hw.GetU32(mem, off+12))
	}
}
