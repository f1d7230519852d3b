package connectx

// Flow steering is a tree of tables holding groups holding entries. The
// driver programs the minimum useful tree: one RX table, one wildcard
// group matching no header fields, and one entry forwarding everything
// to the direct TIR.

// FlowTableType selects the RX or TX steering pipeline.
type FlowTableType uint32

const (
	FlowTableRX FlowTableType = 0
	FlowTableTX FlowTableType = 1
)

// flow context actions

const actionFwdDst = 4

// destination types

const destTypeTIR = 2

// CreateFlowTable creates an empty table with 2^logSize entry slots.
func (h *HCA) CreateFlowTable(typ FlowTableType, logSize int) (uint32, error) {
	var id uint32

	err := h.cmd("CREATE_FLOW_TABLE", opCreateFlowTable, 0, 0x40, 0x0c, func(in *cmdIO) {
		in.setBits(0x10, 31, 24, uint32(typ))
		in.setBits(0x18, 7, 0, uint32(logSize))
	}, func(out *cmdIO) {
		id = out.getBits(0x08, 23, 0)
	})

	return id, err
}

// CreateFlowGroupWildcard creates a group spanning entry indexes
// [start, end] with no match criteria: every packet matches every entry.
func (h *HCA) CreateFlowGroupWildcard(table uint32, typ FlowTableType, start, end uint32) (uint32, error) {
	var id uint32

	err := h.cmd("CREATE_FLOW_GROUP", opCreateFlowGroup, 0, 0x400, 0x0c, func(in *cmdIO) {
		in.setBits(0x10, 31, 24, uint32(typ))
		in.setBits(0x14, 23, 0, table)
		in.setU32(0x1c, start)
		in.setU32(0x24, end)
		in.setBits(0x3c, 7, 0, 0) // match_criteria_enable: none
	}, func(out *cmdIO) {
		id = out.getBits(0x08, 23, 0)
	})

	return id, err
}

// SetFlowTableEntryWildcard programs entry index in the wildcard group
// to forward to a TIR.
func (h *HCA) SetFlowTableEntryWildcard(table uint32, typ FlowTableType, group, index, tir uint32) error {
	const (
		ctx  = 0x40  // flow context
		dest = 0x340 // destination list
	)

	return h.cmd("SET_FLOW_TABLE_ENTRY", opSetFlowTableEntry, 0, 0x348, 0x0c, func(in *cmdIO) {
		in.setBits(0x10, 31, 24, uint32(typ))
		in.setBits(0x14, 23, 0, table)
		in.setU32(0x20, index)

		in.setU32(ctx+0x04, group)
		in.setBits(ctx+0x0c, 15, 0, actionFwdDst)
		in.setBits(ctx+0x10, 23, 0, 1) // destination list size

		in.setBits(dest+0x00, 31, 24, destTypeTIR)
		in.setBits(dest+0x00, 23, 0, tir)
	}, nil)
}

// SetFlowTableRoot makes the table the root of its pipeline.
func (h *HCA) SetFlowTableRoot(table uint32, typ FlowTableType) error {
	return h.cmd("SET_FLOW_TABLE_ROOT", opSetFlowTableRoot, 0, 0x40, 0x0c, func(in *cmdIO) {
		in.setBits(0x10, 31, 24, uint32(typ))
		in.setBits(0x14, 23, 0, table)
	}, nil)
}
