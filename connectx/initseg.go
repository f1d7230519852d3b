// Package connectx is a user-space driver for Mellanox ConnectX-4 and
// ConnectX-4 LX Ethernet controllers. It talks to the card's firmware
// over a command channel in the PCI BAR, builds the event, completion,
// and work queues the device needs for a working port, programs a
// receive flow table, and moves packets between framework links and the
// NIC's cyclic work queues.
package connectx

import (
	"time"

	"github.com/c35s/connectx/hw"
)

// initSegment is a typed view over the initialization segment at the
// start of BAR0. The firmware publishes its revision and command-queue
// geometry here; the driver writes the command-queue address and rings
// the command doorbell through it.
type initSegment struct {
	bar []byte
}

// initialization segment offsets

const (
	segFWRev          = 0x0000 // fw_rev major [15:0], minor [31:16]
	segCmdIfRev       = 0x0004 // command interface revision [31:16]
	segCmdQPhyAddrHi  = 0x0010 // cmdq physical address [63:32]
	segCmdQPhyAddrLo  = 0x0014 // cmdq [31:12], nic_interface [9:8], log size [7:4], log stride [3:0]
	segDoorbell       = 0x0018 // command doorbell vector (WO)
	segInternalTimer  = 0x1000 // free-running timer, two words
	segClearInt       = 0x100c // clear interrupt [0]
	segHealthSyndrome = 0x1010 // health syndrome [31:24]
	segInitializing   = 0x01fc // initializing [31], nic_interface_supported [26:24]
)

func newInitSegment(bar []byte) *initSegment {
	return &initSegment{bar: bar}
}

// FWRev returns the firmware revision as (major, minor).
func (s *initSegment) FWRev() (major, minor uint16) {
	w := hw.GetU32(s.bar, segFWRev)
	return uint16(hw.Bits(w, 15, 0)), uint16(hw.Bits(w, 31, 16))
}

// CmdIfRev returns the command interface revision.
func (s *initSegment) CmdIfRev() uint16 {
	return uint16(hw.GetBits(s.bar, segCmdIfRev, 31, 16))
}

// SetCmdQPhyAddr hands the command-queue page to the firmware. The MSB
// word must be written first: the device latches the address on the LSB
// write. Writing the LSB word also clears nic_interface and the log
// size/stride fields.
func (s *initSegment) SetCmdQPhyAddr(phys uint64) {
	hw.PutU32(s.bar, segCmdQPhyAddrHi, hw.PhysHi(phys))
	hw.PutU32(s.bar, segCmdQPhyAddrLo, hw.PhysLo(hw.AlignDown(phys, 4096)))
}

// LogCmdQSize returns the log2 of the command queue entry count.
func (s *initSegment) LogCmdQSize() int {
	return int(hw.GetBits(s.bar, segCmdQPhyAddrLo, 7, 4))
}

// LogCmdQStride returns the log2 of the command queue stride.
func (s *initSegment) LogCmdQStride() int {
	return int(hw.GetBits(s.bar, segCmdQPhyAddrLo, 3, 0))
}

// RingDoorbell posts command slot i to the firmware. The doorbell is
// write-only: reading it back is undefined.
func (s *initSegment) RingDoorbell(i int) {
	hw.PutU32(s.bar, segDoorbell, 1<<uint(i))
}

// Ready reports whether firmware initialization has finished. The
// initializing bit reads 1 until the firmware is ready for commands.
func (s *initSegment) Ready() bool {
	return hw.GetBits(s.bar, segInitializing, 31, 31) == 0
}

// WaitReady polls Ready until it reports true or the deadline passes.
func (s *initSegment) WaitReady(timeout time.Duration, sleep func()) bool {
	deadline := time.Now().Add(timeout)
	for !s.Ready() {
		if time.Now().After(deadline) {
			return false
		}

		sleep()
	}

	return true
}

// HealthSyndrome returns the device health code. Non-zero means the
// firmware has detected a fatal condition.
func (s *initSegment) HealthSyndrome() uint8 {
	return uint8(hw.GetBits(s.bar, segHealthSyndrome, 31, 24))
}

// NICInterfaceSupported returns the supported NIC interface modes.
func (s *initSegment) NICInterfaceSupported() uint8 {
	return uint8(hw.GetBits(s.bar, segInitializing, 26, 24))
}

// InternalTimer reads the device's free-running timer.
func (s *initSegment) InternalTimer() uint64 {
	return hw.GetU64(s.bar, segInternalTimer)
}

// ClearInt acks the device interrupt.
func (s *initSegment) ClearInt() {
	hw.PutU32(s.bar, segClearInt, 1)
}
