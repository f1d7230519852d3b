package connectx

// ACCESS_REGISTER reaches the port-management registers that predate the
// command interface. The driver uses PAOS for administrative link state
// and PPLR for loopback control.

// RegisterID names an access register.
type RegisterID uint32

const (
	RegPAOS RegisterID = 0x5006 // port administrative and operational status
	RegPPLR RegisterID = 0x5018 // port physical loopback register
)

const (
	accessRegWrite = 0 // opcode modifier
	accessRegRead  = 1

	regData = 0x0c // register payload starts here
)

// port status values used by PAOS

const (
	PortUp   = 1
	PortDown = 2
)

// accessRegister runs ACCESS_REGISTER with a payload of n dwords.
func (h *HCA) accessRegister(reg RegisterID, opmod uint32, n int, fill func(in *cmdIO), read func(out *cmdIO)) error {
	inLen := regData + 4*n
	outLen := regData + 4*n

	return h.cmd("ACCESS_REGISTER", opAccessRegister, opmod, inLen, outLen, func(in *cmdIO) {
		in.setBits(0x08, 15, 0, uint32(reg))

		if fill != nil {
			fill(in)
		}
	}, read)
}

// SetAdminStatus writes PAOS to bring the port administratively up or
// down. The admin state enable bit is set so the write takes effect.
func (h *HCA) SetAdminStatus(up bool) error {
	status := uint32(PortDown)
	if up {
		status = PortUp
	}

	return h.accessRegister(RegPAOS, accessRegWrite, 2, func(in *cmdIO) {
		in.setBits(regData+0x00, 23, 16, 1) // local port
		in.setBits(regData+0x00, 11, 8, status)
		in.setBits(regData+0x04, 31, 31, 1) // ase: apply admin state
	}, nil)
}

// GetAdminStatus reads PAOS and returns (admin, oper) port status.
func (h *HCA) GetAdminStatus() (admin, oper uint8, err error) {
	err = h.accessRegister(RegPAOS, accessRegRead, 2, func(in *cmdIO) {
		in.setBits(regData+0x00, 23, 16, 1)
	}, func(out *cmdIO) {
		admin = uint8(out.getBits(regData+0x00, 11, 8))
		oper = uint8(out.getBits(regData+0x00, 3, 0))
	})

	return
}

// LoopbackCap reads PPLR and returns the port's loopback capability
// bits.
func (h *HCA) LoopbackCap() (uint8, error) {
	var lb uint8

	err := h.accessRegister(RegPPLR, accessRegRead, 2, func(in *cmdIO) {
		in.setBits(regData+0x00, 23, 16, 1)
	}, func(out *cmdIO) {
		lb = uint8(out.getBits(regData+0x04, 23, 16))
	})

	return lb, err
}

// SetLoopback writes the PPLR loopback mode. Mode 0 disables loopback;
// other values select a capability bit reported by LoopbackCap.
func (h *HCA) SetLoopback(mode uint8) error {
	return h.accessRegister(RegPPLR, accessRegWrite, 2, func(in *cmdIO) {
		in.setBits(regData+0x00, 23, 16, 1)
		in.setBits(regData+0x04, 7, 0, uint32(mode))
	}, nil)
}
