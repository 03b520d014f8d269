package euicc

import (
	"github.com/pccr10001/euiccd/internal/apdu"
	"github.com/pccr10001/euiccd/internal/qmi"
)

// ResponseCallback receives the reassembled responses of one SendApdus call.
// It is invoked exactly once, after the final APDU of the call has succeeded
// or the chain terminally failed; ownership of responses transfers with the
// call.
type ResponseCallback func(responses [][]byte, err error)

// switchSlotPayload pins the slots a SWITCH_SLOT item was created with, so a
// later logical-slot change cannot alter an already queued switch.
type switchSlotPayload struct {
	physicalSlot uint32
	logicalSlot  uint8
}

// apduPayload is one APDU of a SendApdus chain. last marks the chain's
// final item independent of whether a callback was supplied; started
// records that at least one fragment reached the wire, after which the
// command cannot be replayed from the top.
type apduPayload struct {
	cmd     apdu.Command
	cb      ResponseCallback
	last    bool
	started bool
}

// txElement is one queued unit of modem work, tagged by its QMI command.
type txElement struct {
	id   uint16
	cmd  qmi.Command
	swap *switchSlotPayload
	apdu *apduPayload
}

// txQueue is the controller's FIFO of pending work. PushFront is reserved
// for recovery work that must run before anything user visible.
type txQueue struct {
	items []*txElement
}

func (q *txQueue) PushBack(e *txElement) {
	q.items = append(q.items, e)
}

func (q *txQueue) PushFront(e *txElement) {
	q.items = append([]*txElement{e}, q.items...)
}

func (q *txQueue) Front() *txElement {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *txQueue) PopFront() *txElement {
	if len(q.items) == 0 {
		return nil
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e
}

func (q *txQueue) Len() int {
	return len(q.items)
}

func (q *txQueue) Clear() {
	q.items = nil
}

// Filter keeps only the elements for which keep returns true, preserving
// order.
func (q *txQueue) Filter(keep func(*txElement) bool) {
	kept := q.items[:0]
	for _, e := range q.items {
		if keep(e) {
			kept = append(kept, e)
		}
	}
	q.items = kept
}
