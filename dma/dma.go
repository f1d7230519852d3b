// Package dma allocates memory the device can address. Every buffer the
// NIC touches — command entries, mailboxes, queue rings, doorbell records,
// packet buffers — comes from an Allocator and is handed to the firmware
// by physical address.
package dma

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Buf is a device-visible buffer. Bytes aliases the host mapping and Phys
// is the address the device uses to reach the same memory.
type Buf struct {
	Bytes []byte
	Phys  uint64
}

// Allocator hands out device-visible buffers. align must be a power of
// two; the returned buffer's Phys is a multiple of align.
type Allocator interface {
	Alloc(size, align int) (*Buf, error)
}

var (
	ErrAllocFailed = errors.New("dma: allocation failed")
	ErrNotResident = errors.New("dma: page is not resident")
)

const pageSize = 4096

// Pool allocates pinned, page-locked host memory in slabs and resolves
// physical addresses through /proc/self/pagemap. It requires CAP_SYS_ADMIN
// (pagemap hides frame numbers otherwise) and locked-memory headroom.
//
// Buffers never outlive the pool and are never freed individually: the
// driver allocates everything it needs at bring-up and the pool is
// released as a whole when the process exits. This mirrors the device's
// view — firmware holds the physical addresses until TEARDOWN_HCA.
type Pool struct {
	pagemap *os.File
	slab    []byte
	slabPhy uint64
	off     int
}

const slabSize = 4 << 20

// NewPool opens /proc/self/pagemap and returns an empty pool.
func NewPool() (*Pool, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocFailed, err)
	}

	return &Pool{pagemap: f}, nil
}

// Alloc carves size bytes, aligned to align, out of the current slab,
// mapping and pinning a fresh slab when the current one is exhausted.
func (p *Pool) Alloc(size, align int) (*Buf, error) {
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: bad alignment %d", ErrAllocFailed, align)
	}

	if size > slabSize {
		return nil, fmt.Errorf("%w: %d > slab size", ErrAllocFailed, size)
	}

	if p.slab == nil || p.off+size+align > len(p.slab) {
		if err := p.grow(); err != nil {
			return nil, err
		}
	}

	// advance so the physical address is aligned; slabs are physically
	// contiguous only page by page, so alignments above the page size
	// are carved from the start of a fresh slab
	if align > pageSize {
		if p.off != 0 {
			if err := p.grow(); err != nil {
				return nil, err
			}
		}
	} else if rem := int(p.slabPhy+uint64(p.off)) & (align - 1); rem != 0 {
		p.off += align - rem
	}

	b := &Buf{
		Bytes: p.slab[p.off : p.off+size : p.off+size],
		Phys:  p.slabPhy + uint64(p.off),
	}

	p.off += size
	return b, nil
}

// Phys translates a host virtual address inside one of the pool's slabs.
func (p *Pool) Phys(b []byte) (uint64, error) {
	return p.translate(b)
}

func (p *Pool) grow() error {
	mem, err := unix.Mmap(-1, 0, slabSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_LOCKED|unix.MAP_HUGETLB)

	if err != nil {
		// fall back to small pages: still pinned, but physically
		// contiguous only within each page
		mem, err = unix.Mmap(-1, 0, slabSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_LOCKED)

		if err != nil {
			return fmt.Errorf("%w: mmap: %w", ErrAllocFailed, err)
		}
	}

	// touch every page so pagemap has a frame for it
	for i := 0; i < len(mem); i += pageSize {
		mem[i] = 0
	}

	phy, err := p.translate(mem)
	if err != nil {
		return err
	}

	p.slab = mem
	p.slabPhy = phy
	p.off = 0

	return nil
}

// translate reads the pagemap entry for the page holding &b[0].
func (p *Pool) translate(b []byte) (uint64, error) {
	virt := uintptr(unsafe.Pointer(&b[0]))
	ent := make([]byte, 8)

	if _, err := p.pagemap.ReadAt(ent, int64(virt/pageSize)*8); err != nil {
		return 0, fmt.Errorf("%w: pagemap: %w", ErrAllocFailed, err)
	}

	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(ent[i])
	}

	if v&(1<<63) == 0 {
		return 0, ErrNotResident
	}

	pfn := v & (1<<55 - 1)
	return pfn*pageSize + uint64(virt)%pageSize, nil
}

// SlicePool is an Allocator backed by plain Go slices with synthetic
// physical addresses. It exists for tests and demos that run against a
// simulated device: the sim resolves the synthetic addresses back to the
// slices through At.
type SlicePool struct {
	next uint64
	mem  map[uint64][]byte
}

// NewSlicePool returns a SlicePool whose synthetic addresses start at base.
func NewSlicePool(base uint64) *SlicePool {
	return &SlicePool{next: base, mem: make(map[uint64][]byte)}
}

// Alloc returns a zeroed slice with the next synthetic address.
func (p *SlicePool) Alloc(size, align int) (*Buf, error) {
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: bad alignment %d", ErrAllocFailed, align)
	}

	if rem := p.next & uint64(align-1); rem != 0 {
		p.next += uint64(align) - rem
	}

	b := &Buf{
		Bytes: make([]byte, size),
		Phys:  p.next,
	}

	p.mem[b.Phys] = b.Bytes
	p.next += uint64(size)

	return b, nil
}

// At resolves a synthetic physical range back to host memory. It returns
// nil if addr was not produced by this pool.
func (p *SlicePool) At(addr uint64, size int) []byte {
	for base, mem := range p.mem {
		if addr >= base && addr+uint64(size) <= base+uint64(len(mem)) {
			off := addr - base
			return mem[off : off+uint64(size)]
		}
	}

	return nil
}
