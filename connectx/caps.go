package connectx

// CapMode selects which capability set QUERY_HCA_CAP reports.
type CapMode uint32

const (
	MaxCaps     CapMode = 0 // device limits
	CurrentCaps CapMode = 1 // currently configured values
)

// Caps is the subset of the device capability page the driver reads.
// Each field is a bit range at a fixed dword offset from the capability
// base at output offset 0x10; the offsets are shared with the tests'
// simulated device, which encodes with the same table.
type Caps struct {
	LogMaxCQSz uint8
	LogMaxCQ   uint8
	LogMaxEQSz uint8
	LogMaxEQ   uint8
	LogMaxSQSz uint8
	LogMaxSQ   uint8
	LogMaxRQSz uint8
	LogMaxRQ   uint8
	LogMaxTIR  uint8
	LogMaxTIS  uint8
	NumPorts   uint8
}

// capability field offsets, relative to the capability base

const (
	capBase = 0x10

	capCQ    = 0x18 // log_max_cq_sz [23:16], log_max_cq [4:0]
	capEQ    = 0x1c // log_max_eq_sz [23:16], log_max_eq [3:0]
	capSQ    = 0x20 // log_max_sq_sz [23:16], log_max_sq [4:0]
	capRQ    = 0x24 // log_max_rq_sz [23:16], log_max_rq [4:0]
	capTIRS  = 0x28 // log_max_tir [12:8], log_max_tis [4:0]
	capPorts = 0x2c // num_ports [11:8]
)

// QueryHCACap reads the general device capability page.
func (h *HCA) QueryHCACap(mode CapMode) (*Caps, error) {
	caps := new(Caps)

	err := h.cmd("QUERY_HCA_CAP", opQueryHCACap, uint32(mode), 0x0c, 0x100c, nil, func(out *cmdIO) {
		caps.LogMaxCQSz = uint8(out.getBits(capBase+capCQ, 23, 16))
		caps.LogMaxCQ = uint8(out.getBits(capBase+capCQ, 4, 0))
		caps.LogMaxEQSz = uint8(out.getBits(capBase+capEQ, 23, 16))
		caps.LogMaxEQ = uint8(out.getBits(capBase+capEQ, 3, 0))
		caps.LogMaxSQSz = uint8(out.getBits(capBase+capSQ, 23, 16))
		caps.LogMaxSQ = uint8(out.getBits(capBase+capSQ, 4, 0))
		caps.LogMaxRQSz = uint8(out.getBits(capBase+capRQ, 23, 16))
		caps.LogMaxRQ = uint8(out.getBits(capBase+capRQ, 4, 0))
		caps.LogMaxTIR = uint8(out.getBits(capBase+capTIRS, 12, 8))
		caps.LogMaxTIS = uint8(out.getBits(capBase+capTIRS, 4, 0))
		caps.NumPorts = uint8(out.getBits(capBase+capPorts, 11, 8))
	})

	if err != nil {
		return nil, err
	}

	return caps, nil
}
