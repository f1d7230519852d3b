// Package pci binds a PCI function away from the host kernel and maps its
// BAR for user-space register access. It drives the standard sysfs
// surface: driver/unbind to detach the kernel driver, reset for function
// level reset, config for the command register, and resource0 for the BAR
// mapping.
package pci

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/sys/unix"
)

var (
	ErrBadAddress = errors.New("pci: bad device address")
	ErrNoDevice   = errors.New("pci: no such device")
	ErrMapBAR     = errors.New("pci: BAR mapping failed")
)

var addrRE = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)

// Addr is a full PCI function address like "0000:01:00.0".
type Addr string

// Validate reports whether the address is well-formed.
func (a Addr) Validate() error {
	if !addrRE.MatchString(string(a)) {
		return fmt.Errorf("%w: %q", ErrBadAddress, a)
	}

	return nil
}

func (a Addr) sysfs(elem ...string) string {
	return filepath.Join(append([]string{"/sys/bus/pci/devices", string(a)}, elem...)...)
}

// Device is a PCI function with its BAR0 mapped.
type Device struct {
	Addr Addr
	BAR0 []byte

	res *os.File
}

// Open validates the address, detaches any kernel driver, resets the
// function, enables bus mastering, and maps BAR0.
func Open(addr Addr) (*Device, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(addr.sysfs()); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, addr)
	}

	if err := Unbind(addr); err != nil {
		return nil, err
	}

	if err := Reset(addr); err != nil {
		return nil, err
	}

	if err := SetBusMaster(addr, true); err != nil {
		return nil, err
	}

	res, err := os.OpenFile(addr.sysfs("resource0"), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMapBAR, err)
	}

	fi, err := res.Stat()
	if err != nil {
		res.Close()
		return nil, fmt.Errorf("%w: %w", ErrMapBAR, err)
	}

	bar, err := unix.Mmap(int(res.Fd()), 0, int(fi.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		res.Close()
		return nil, fmt.Errorf("%w: mmap: %w", ErrMapBAR, err)
	}

	return &Device{Addr: addr, BAR0: bar, res: res}, nil
}

// Close drops bus mastering, resets the function, and unmaps the BAR.
// Bus mastering and reset come before the unmap so the device stops DMA
// before its memory goes away.
func (d *Device) Close() error {
	SetBusMaster(d.Addr, false)
	Reset(d.Addr)

	if d.BAR0 != nil {
		unix.Munmap(d.BAR0)
		d.BAR0 = nil
	}

	return d.res.Close()
}

// Unbind detaches the kernel driver, if any, from the function.
func Unbind(addr Addr) error {
	p := addr.sysfs("driver", "unbind")
	if _, err := os.Stat(p); err != nil {
		return nil // not bound
	}

	return os.WriteFile(p, []byte(addr), 0200)
}

// Reset issues a function level reset through sysfs.
func Reset(addr Addr) error {
	return os.WriteFile(addr.sysfs("reset"), []byte("1"), 0200)
}

// SetBusMaster sets or clears the bus master enable bit in the config
// space command register, gating the function's DMA.
func SetBusMaster(addr Addr, enable bool) error {
	f, err := os.OpenFile(addr.sysfs("config"), os.O_RDWR, 0)
	if err != nil {
		return err
	}

	defer f.Close()

	cmd := make([]byte, 2)
	if _, err := f.ReadAt(cmd, 4); err != nil {
		return err
	}

	if enable {
		cmd[0] |= 1 << 2
	} else {
		cmd[0] &^= 1 << 2
	}

	if _, err := f.WriteAt(cmd, 4); err != nil {
		return err
	}

	return nil
}
