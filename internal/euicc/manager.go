package euicc

// SlotInfo describes the eUICC occupying a physical slot.
type SlotInfo struct {
	// Logical slot the eUICC is mapped to. Meaningful only when Active.
	LogicalSlot uint8
	Active      bool
	// Decoded EID digits; empty when the modem did not report one.
	Eid string
}

// Manager receives slot presence events from the controller. The controller
// never reads state back from it.
type Manager interface {
	// OnEuiccUpdated reports the eUICC on a physical slot; implementations
	// must treat identical repeated info as a no-op.
	OnEuiccUpdated(physicalSlot uint32, info SlotInfo)
	// OnEuiccRemoved reports that a physical slot holds no eUICC; a no-op
	// for slots never reported present.
	OnEuiccRemoved(physicalSlot uint32)
	// OnEuiccLogicalSlotUpdated reports a mapping change after a slot
	// switch. logicalSlot is -1 when the slot is no longer mapped.
	OnEuiccLogicalSlotUpdated(physicalSlot uint32, logicalSlot int16)
}
