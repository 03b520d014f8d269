// Package euicc drives the modem's UIM service over QRTR: service
// discovery, slot selection, logical channel establishment towards the
// ISD-R applet, and the SendApdus pipeline an LPA runs profile operations
// through.
package euicc

import (
	"errors"
	"sync"
	"time"

	"github.com/pccr10001/euiccd/internal/apdu"
	"github.com/pccr10001/euiccd/internal/config"
	"github.com/pccr10001/euiccd/internal/qmi"
	"github.com/pccr10001/euiccd/internal/qrtr"
	"github.com/pccr10001/euiccd/pkg/logger"
)

// Service version announced in the QRTR lookup for the UIM service.
const (
	uimVersionMajor uint16 = 1
	uimVersionMinor uint16 = 0
)

const recvBufSize = 4096

// invalidChannel is the "no logical channel" sentinel.
const invalidChannel int16 = -1

var (
	// ErrSendApdu is delivered to a SendApdus callback when its chain is
	// abandoned after a modem-level failure.
	ErrSendApdu = errors.New("euicc: send apdu failed")
	// ErrAlreadyInitialized rejects Initialize outside Uninitialized.
	ErrAlreadyInitialized = errors.New("euicc: controller already initialized")
	// ErrNoStoredSlot rejects RestoreActiveSlot before any slot was stored.
	ErrNoStoredSlot = errors.New("euicc: no stored active slot")
)

// Controller owns the QMI link to the modem UIM service. All mutation is
// serialized behind one mutex: public methods, the transport's
// data-available callback and the delay timers all enter through it, so at
// most one request is outstanding on the wire at any time.
type Controller struct {
	mu      sync.Mutex
	socket  qrtr.Socket
	state   stateMachine
	queue   txQueue
	manager Manager

	// Address of the UIM service, learned from the NewServer announcement.
	peer      qrtr.Metadata
	peerValid bool

	currentID uint16

	pendingResponse qmi.Command
	pendingValid    bool

	channelID   int16
	logicalSlot uint8
	// Physical slot last reported active by GET_SLOTS; -1 when unknown.
	// Slots are numbered from 1.
	storedActiveSlot int64

	procedureBytes uint8
	extendedApdu   bool
	sliceSize      int

	responseBuf apdu.Response
	responses   [][]byte

	// Quiescence windows (post slot switch, post profile op) hold the
	// queue without dropping it.
	sendDisabled bool
	retryTimer   *time.Timer
	quiesceTimer *time.Timer

	retryDelay      time.Duration
	switchSlotDelay time.Duration
	simRefreshDelay time.Duration

	// Callbacks queued while the lock was held; drained unlocked so they
	// may call back into the controller.
	deferred []func()
}

// NewController wires a controller to the given transport. Timing and APDU
// knobs come from the loaded configuration; zero values fall back to the
// defaults for the supported modem family.
func NewController(socket qrtr.Socket) *Controller {
	cfg := config.AppConfig
	c := &Controller{
		socket:           socket,
		currentID:        0xFFFF,
		channelID:        invalidChannel,
		logicalSlot:      1,
		storedActiveSlot: -1,
		procedureBytes:   qmi.ProcedureBytesEnable,
		extendedApdu:     cfg.Apdu.ExtendedLength,
		sliceSize:        cfg.Apdu.SliceSize,
		retryDelay:       cfg.Modem.InitRetryDelay,
		switchSlotDelay:  cfg.Modem.SwitchSlotDelay,
		simRefreshDelay:  cfg.Modem.SimRefreshDelay,
	}
	if c.sliceSize <= 0 {
		c.sliceSize = apdu.DefaultSliceSize
	}
	if c.retryDelay <= 0 {
		c.retryDelay = 10 * time.Second
	}
	if c.switchSlotDelay <= 0 {
		c.switchSlotDelay = time.Second
	}
	if c.simRefreshDelay <= 0 {
		c.simRefreshDelay = 2 * time.Second
	}
	socket.SetDataAvailableCallback(c.onDataAvailable)
	return c
}

// allocateID returns the next transaction id. Ids step by two from an odd
// seed so wraparound can never produce zero.
func (c *Controller) allocateID() uint16 {
	c.currentID += 2
	return c.currentID
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Current()
}

// GetCardVersion reports the eUICC specification level this controller
// supports.
func (c *Controller) GetCardVersion() Version {
	return supportedVersion
}

// Initialize opens the transport, registers interest in the UIM service and
// front-loads the handshake commands. The handshake completes
// asynchronously once the service announces itself; on failure the
// controller tears down and retries after the configured delay.
func (c *Controller) Initialize(manager Manager) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Current() != StateUninitialized {
		return ErrAlreadyInitialized
	}
	if manager != nil {
		c.manager = manager
	}

	if !c.socket.IsValid() {
		if err := c.socket.Open(); err != nil {
			logger.Log.Errorf("failed to open qrtr socket: %v", err)
			c.scheduleRetryLocked()
			return err
		}
	}
	if err := c.socket.StartService(qmi.ServiceUim, uimVersionMajor, uimVersionMinor); err != nil {
		logger.Log.Errorf("failed to look up UIM service: %v", err)
		c.scheduleRetryLocked()
		return err
	}
	c.state.Transition(StateInitializeStarted)

	// Front-loaded so APDU work queued before initialization trails the
	// handshake.
	c.queue.PushFront(&txElement{id: c.allocateID(), cmd: qmi.CmdOpenLogicalChannel})
	c.queue.PushFront(&txElement{id: c.allocateID(), cmd: qmi.CmdGetSlots})
	c.queue.PushFront(&txElement{id: c.allocateID(), cmd: qmi.CmdReset})
	return nil
}

// Shutdown tears down the link and drops all queued work without invoking
// callbacks.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.quiesceTimer != nil {
		c.quiesceTimer.Stop()
		c.quiesceTimer = nil
	}
	c.queue.Clear()
	c.responses = nil
	c.responseBuf = apdu.Response{}
	c.pendingValid = false
	c.peerValid = false
	c.sendDisabled = false
	c.channelID = invalidChannel
	if c.socket.IsValid() {
		c.socket.StopService(qmi.ServiceUim, uimVersionMajor, uimVersionMinor)
		c.socket.Close()
	}
	c.state.Transition(StateUninitialized)
}

// scheduleRetryLocked drops handshake work, closes the transport and
// re-posts Initialize after the retry delay. Queued APDU work survives the
// cycle and runs once a channel is finally open.
func (c *Controller) scheduleRetryLocked() {
	// A chain that already put fragments on the wire, or whose head was
	// swapped for a GET RESPONSE continuation, cannot resume after the
	// re-init; it fails to its caller instead of sending a torn command.
	if e := c.queue.Front(); e != nil && e.cmd == qmi.CmdSendApdu && e.apdu.started {
		c.dropHeadChainLocked()
	}
	c.queue.Filter(func(e *txElement) bool { return e.cmd == qmi.CmdSendApdu })
	c.pendingValid = false
	c.peerValid = false
	c.channelID = invalidChannel
	if c.socket.IsValid() {
		c.socket.StopService(qmi.ServiceUim, uimVersionMajor, uimVersionMinor)
		c.socket.Close()
	}
	c.state.Transition(StateUninitialized)

	mgr := c.manager
	c.retryTimer = time.AfterFunc(c.retryDelay, func() {
		if err := c.Initialize(mgr); err != nil {
			logger.Log.Errorf("initialization retry failed: %v", err)
		}
	})
	logger.Log.Infof("eSIM not reachable, retrying in %v", c.retryDelay)
}

// SendApdus queues one work item per command. cb rides on the last item and
// fires exactly once, after the final command succeeded or the chain
// terminally failed. May be called before initialization completes; the
// work is held until the channel is ready.
func (c *Controller) SendApdus(apdus []Apdu, cb ResponseCallback) {
	c.mu.Lock()
	if len(apdus) == 0 {
		if cb != nil {
			c.deferred = append(c.deferred, func() { cb(nil, nil) })
		}
		c.mu.Unlock()
		c.runDeferred()
		return
	}
	for i, a := range apdus {
		payload := &apduPayload{
			cmd: apdu.NewCommand(a.Cls, a.Ins, a.P1, a.P2, a.Data, c.extendedApdu, c.sliceSize),
		}
		if i == len(apdus)-1 {
			payload.cb = cb
			payload.last = true
		}
		c.queue.PushBack(&txElement{id: c.allocateID(), cmd: qmi.CmdSendApdu, apdu: payload})
	}
	c.transmitFromQueueLocked()
	c.mu.Unlock()
	c.runDeferred()
}

// SetActiveSlot switches the modem to the given physical slot and reopens
// the logical channel on it.
func (c *Controller) SetActiveSlot(physicalSlot uint32) {
	c.mu.Lock()
	c.setActiveSlotLocked(physicalSlot)
	c.transmitFromQueueLocked()
	c.mu.Unlock()
	c.runDeferred()
}

// StoreAndSetActiveSlot records the currently active slot before switching,
// so RestoreActiveSlot can switch back afterwards.
func (c *Controller) StoreAndSetActiveSlot(physicalSlot uint32) {
	c.mu.Lock()
	c.queue.PushBack(&txElement{id: c.allocateID(), cmd: qmi.CmdGetSlots})
	c.setActiveSlotLocked(physicalSlot)
	c.transmitFromQueueLocked()
	c.mu.Unlock()
	c.runDeferred()
}

// RestoreActiveSlot switches back to the slot recorded by the last
// StoreAndSetActiveSlot.
func (c *Controller) RestoreActiveSlot() error {
	c.mu.Lock()
	if c.storedActiveSlot < 0 {
		c.mu.Unlock()
		logger.Log.Error("no stored active slot to restore")
		return ErrNoStoredSlot
	}
	c.setActiveSlotLocked(uint32(c.storedActiveSlot))
	// Consumed by the queued switch; a second restore needs a new store.
	c.storedActiveSlot = -1
	c.transmitFromQueueLocked()
	c.mu.Unlock()
	c.runDeferred()
	return nil
}

func (c *Controller) setActiveSlotLocked(physicalSlot uint32) {
	c.queue.PushBack(&txElement{
		id:   c.allocateID(),
		cmd:  qmi.CmdSwitchSlot,
		swap: &switchSlotPayload{physicalSlot: physicalSlot, logicalSlot: c.logicalSlot},
	})
	c.queue.PushBack(&txElement{id: c.allocateID(), cmd: qmi.CmdReset})
	c.queue.PushBack(&txElement{id: c.allocateID(), cmd: qmi.CmdOpenLogicalChannel})
	c.channelID = invalidChannel
	if c.state.Current() == StateSendApduReady {
		c.state.Transition(StateUimStarted)
	}
}

// IsSimValidAfterEnable refreshes the logical channel after a profile
// enable; the card refresh that follows makes the previous session stale.
func (c *Controller) IsSimValidAfterEnable() bool {
	c.refreshChannelAfterDelay()
	return true
}

// IsSimValidAfterDisable is the profile-disable counterpart of
// IsSimValidAfterEnable.
func (c *Controller) IsSimValidAfterDisable() bool {
	c.refreshChannelAfterDelay()
	return true
}

// refreshChannelAfterDelay quiesces the link while the card refreshes, then
// reacquires the logical channel.
func (c *Controller) refreshChannelAfterDelay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendDisabled = true
	c.quiesceTimer = time.AfterFunc(c.simRefreshDelay, func() {
		c.mu.Lock()
		c.sendDisabled = false
		c.reacquireChannelLocked()
		c.transmitFromQueueLocked()
		c.mu.Unlock()
		c.runDeferred()
	})
}

// StartProfileOp prepares a profile enable/disable on the given slot.
// Intermediate procedure bytes from the card corrupt profile operations,
// so the modem is told to suppress them for the duration.
func (c *Controller) StartProfileOp(physicalSlot uint32) {
	c.mu.Lock()
	c.procedureBytes = qmi.ProcedureBytesDisable
	c.queue.PushBack(&txElement{id: c.allocateID(), cmd: qmi.CmdGetSlots})
	c.setActiveSlotLocked(physicalSlot)
	c.transmitFromQueueLocked()
	c.mu.Unlock()
	c.runDeferred()
}

// FinishProfileOp ends a profile operation: procedure bytes are restored
// and the channel is reacquired once the card has refreshed.
func (c *Controller) FinishProfileOp() {
	c.mu.Lock()
	c.procedureBytes = qmi.ProcedureBytesEnable
	c.mu.Unlock()
	c.refreshChannelAfterDelay()
}

// ReacquireChannel drops the current logical channel and schedules a fresh
// Reset + OpenLogicalChannel ahead of any queued work.
func (c *Controller) ReacquireChannel() {
	c.mu.Lock()
	c.reacquireChannelLocked()
	c.transmitFromQueueLocked()
	c.mu.Unlock()
	c.runDeferred()
}

func (c *Controller) reacquireChannelLocked() {
	if c.state.Current() != StateSendApduReady {
		return
	}
	logger.Log.Info("reacquiring logical channel")
	c.channelID = invalidChannel
	c.state.Transition(StateUimStarted)
	c.queue.PushFront(&txElement{id: c.allocateID(), cmd: qmi.CmdOpenLogicalChannel})
	c.queue.PushFront(&txElement{id: c.allocateID(), cmd: qmi.CmdReset})
}

// transmitFromQueueLocked sends the next queue item when the link is idle.
// A no-op while a response is pending, during quiescence windows, before
// the service address is known, and in states that do not permit the
// head's command.
func (c *Controller) transmitFromQueueLocked() {
	if c.pendingValid || c.sendDisabled || !c.peerValid {
		return
	}
	e := c.queue.Front()
	if e == nil {
		return
	}
	switch e.cmd {
	case qmi.CmdSendApdu:
		if !c.state.Current().CanSendApdu() {
			return
		}
		c.transmitApduLocked(e)
	case qmi.CmdSwitchSlot:
		if !c.state.Current().CanSend() {
			return
		}
		if c.storedActiveSlot >= 0 && uint32(c.storedActiveSlot) == e.swap.physicalSlot {
			logger.Log.Infof("requested slot %d is already active", e.swap.physicalSlot)
			c.queue.PopFront()
			c.transmitFromQueueLocked()
			return
		}
		// Head stays in place; the response handler needs the payload.
		c.transmitRequestLocked(e, &qmi.SwitchSlotRequest{
			LogicalSlot:  e.swap.logicalSlot,
			PhysicalSlot: e.swap.physicalSlot,
		})
	case qmi.CmdReset:
		if !c.state.Current().CanSend() {
			return
		}
		c.queue.PopFront()
		c.transmitRequestLocked(e, &qmi.ResetRequest{})
	case qmi.CmdGetSlots:
		if !c.state.Current().CanSend() {
			return
		}
		c.queue.PopFront()
		c.transmitRequestLocked(e, &qmi.GetSlotsRequest{})
	case qmi.CmdOpenLogicalChannel:
		if !c.state.Current().CanSend() {
			return
		}
		c.queue.PopFront()
		if c.state.Current() == StateUimStarted {
			c.state.Transition(StateLogicalChannelPending)
		}
		c.transmitRequestLocked(e, &qmi.OpenLogicalChannelRequest{
			Slot: c.logicalSlot,
			Aid:  AidIsdr,
		})
	}
}

func (c *Controller) transmitApduLocked(e *txElement) {
	e.apdu.started = true
	fragment := e.apdu.cmd.NextFragment()
	if fragment == nil {
		c.queue.PopFront()
		return
	}
	c.transmitRequestLocked(e, &qmi.SendApduRequest{
		Slot:           c.logicalSlot,
		Apdu:           fragment,
		ChannelID:      uint8(c.channelID),
		ProcedureBytes: c.procedureBytes,
	})
}

func (c *Controller) transmitRequestLocked(e *txElement, req qmi.Request) {
	data := qmi.EncodeRequest(req, e.id)
	logger.Log.Debugf("sending %s (txn %d)", e.cmd, e.id)
	if err := c.socket.Send(data, &c.peer); err != nil {
		logger.Log.Errorf("failed to send %s: %v", e.cmd, err)
		c.scheduleRetryLocked()
		return
	}
	c.pendingResponse = e.cmd
	c.pendingValid = true
}

// onDataAvailable drains one datagram from the socket. It runs on the
// transport's reader goroutine.
func (c *Controller) onDataAvailable() {
	c.mu.Lock()
	buf := make([]byte, recvBufSize)
	var meta qrtr.Metadata
	n, err := c.socket.Recv(buf, &meta)
	if err != nil {
		logger.Log.Errorf("qrtr recv failed: %v", err)
		c.mu.Unlock()
		return
	}
	c.processPacketLocked(buf[:n], meta)
	c.mu.Unlock()
	c.runDeferred()
}

func (c *Controller) processPacketLocked(data []byte, meta qrtr.Metadata) {
	if meta.Port == qrtr.PortCtrl {
		c.processControlPacketLocked(data)
		return
	}
	cmd, err := qmi.DecodeHeader(data)
	if err != nil {
		logger.Log.Warnf("dropping undecodable packet: %v", err)
		return
	}
	if !c.expectResponseLocked(cmd) {
		return
	}
	switch cmd {
	case qmi.CmdReset:
		c.receiveResetLocked(data)
	case qmi.CmdGetSlots:
		c.receiveGetSlotsLocked(data)
	case qmi.CmdSwitchSlot:
		c.receiveSwitchSlotLocked(data)
	case qmi.CmdOpenLogicalChannel:
		c.receiveOpenLogicalChannelLocked(data)
	case qmi.CmdSendApdu:
		c.receiveSendApduLocked(data)
	default:
		logger.Log.Warnf("unhandled command %s", cmd)
	}
	c.transmitFromQueueLocked()
}

func (c *Controller) processControlPacketLocked(data []byte) {
	pkt, err := qrtr.UnmarshalControlPacket(data)
	if err != nil {
		logger.Log.Warnf("dropping short control packet: %v", err)
		return
	}
	switch pkt.Cmd {
	case qrtr.TypeNewServer:
		if pkt.Service != qmi.ServiceUim {
			return
		}
		c.peer = qrtr.Metadata{Node: pkt.Node, Port: pkt.Port}
		c.peerValid = true
		logger.Log.Infof("UIM service at node %d port %d", pkt.Node, pkt.Port)
		if c.state.Current() == StateInitializeStarted {
			c.state.Transition(StateUimStarted)
		}
		c.transmitFromQueueLocked()
	case qrtr.TypeDelServer:
		if pkt.Service != qmi.ServiceUim {
			return
		}
		logger.Log.Warn("UIM service disappeared")
		c.scheduleRetryLocked()
	default:
		logger.Log.Debugf("ignoring control packet cmd %d", pkt.Cmd)
	}
}

// expectResponseLocked clears the pending marker when the inbound command
// matches it. A mismatch drops the packet without touching state; the
// matching response may still arrive.
func (c *Controller) expectResponseLocked(cmd qmi.Command) bool {
	if !c.pendingValid || c.pendingResponse != cmd {
		logger.Log.Warnf("unexpected %s response dropped", cmd)
		return false
	}
	c.pendingValid = false
	return true
}

func (c *Controller) receiveResetLocked(data []byte) {
	_, resp, err := qmi.DecodeResponse(qmi.CmdReset, data)
	if err != nil {
		logger.Log.Errorf("bad RESET response: %v", err)
		return
	}
	r := resp.(*qmi.ResetResponse)
	if !r.Result.Success() {
		logger.Log.Errorf("RESET failed: code %d error %d", r.Result.Code, r.Result.Error)
		if r.Result.InvalidSession() {
			c.reacquireChannelLocked()
		}
	}
}

func (c *Controller) receiveGetSlotsLocked(data []byte) {
	_, resp, err := qmi.DecodeResponse(qmi.CmdGetSlots, data)
	if err != nil {
		logger.Log.Errorf("bad GET_SLOTS response: %v", err)
		return
	}
	r := resp.(*qmi.GetSlotsResponse)
	if !r.Result.Success() {
		logger.Log.Errorf("GET_SLOTS failed: code %d error %d", r.Result.Code, r.Result.Error)
		if r.Result.InvalidSession() {
			c.reacquireChannelLocked()
		}
		return
	}

	logicalKnown := false
	for i, status := range r.Status {
		physicalSlot := uint32(i + 1)
		// Recorded before the eUICC filter: a restore must be able to
		// switch back even when the active card is a plain SIM.
		if status.Active() {
			c.storedActiveSlot = int64(physicalSlot)
			if !logicalKnown {
				logicalKnown = true
				c.logicalSlot = status.LogicalSlot
			}
		}
		isEuicc := i < len(r.IsEuicc) && r.IsEuicc[i]
		if !status.Present() || !isEuicc {
			c.notifyRemovedLocked(physicalSlot)
			continue
		}
		info := SlotInfo{}
		if status.Active() {
			info.Active = true
			info.LogicalSlot = status.LogicalSlot
		}
		if i < len(r.EidInfo) && len(r.EidInfo[i]) > 0 {
			eid, err := DecodeEid(r.EidInfo[i])
			if err != nil {
				logger.Log.Warnf("slot %d: %v", physicalSlot, err)
			} else {
				info.Eid = eid
			}
		}
		c.notifyUpdatedLocked(physicalSlot, info)
	}
}

func (c *Controller) receiveSwitchSlotLocked(data []byte) {
	e := c.queue.Front()
	if e == nil || e.cmd != qmi.CmdSwitchSlot || e.swap == nil {
		logger.Log.Error("SWITCH_SLOT response with no matching queue head")
		return
	}
	c.queue.PopFront()

	_, resp, err := qmi.DecodeResponse(qmi.CmdSwitchSlot, data)
	if err != nil {
		logger.Log.Errorf("bad SWITCH_SLOT response: %v", err)
		return
	}
	r := resp.(*qmi.SwitchSlotResponse)
	if !r.Result.Success() {
		// The modem also errors when the requested slot is already active;
		// the reopen queued behind the switch still applies either way.
		logger.Log.Warnf("SWITCH_SLOT to %d failed: code %d error %d",
			e.swap.physicalSlot, r.Result.Code, r.Result.Error)
		if r.Result.InvalidSession() {
			c.reacquireChannelLocked()
		}
		return
	}

	newSlot := e.swap.physicalSlot
	if c.storedActiveSlot >= 0 && uint32(c.storedActiveSlot) != newSlot {
		prev := uint32(c.storedActiveSlot)
		c.notifyUpdatedLocked(prev, SlotInfo{})
		c.notifyLogicalSlotLocked(prev, -1)
	}
	c.notifyUpdatedLocked(newSlot, SlotInfo{Active: true, LogicalSlot: e.swap.logicalSlot})
	c.notifyLogicalSlotLocked(newSlot, int16(e.swap.logicalSlot))

	// Slot switching takes a moment; QMI traffic sent too early errors out.
	c.sendDisabled = true
	c.quiesceTimer = time.AfterFunc(c.switchSlotDelay, func() {
		c.mu.Lock()
		c.sendDisabled = false
		c.transmitFromQueueLocked()
		c.mu.Unlock()
		c.runDeferred()
	})
	logger.Log.Infof("switched active slot to %d, quiescing for %v", newSlot, c.switchSlotDelay)
}

func (c *Controller) receiveOpenLogicalChannelLocked(data []byte) {
	_, resp, err := qmi.DecodeResponse(qmi.CmdOpenLogicalChannel, data)
	if err != nil {
		logger.Log.Errorf("bad OPEN_LOGICAL_CHANNEL response: %v", err)
		c.scheduleRetryLocked()
		return
	}
	r := resp.(*qmi.OpenLogicalChannelResponse)
	if !r.Result.Success() || !r.ChannelIDValid {
		// Expected when the active SIM is not an eUICC; try again later.
		logger.Log.Infof("could not open logical channel (code %d error %d)",
			r.Result.Code, r.Result.Error)
		c.scheduleRetryLocked()
		return
	}

	c.channelID = int16(r.ChannelID)
	c.state.Transition(StateLogicalChannelOpened)
	c.finalizeInitializationLocked()
}

func (c *Controller) finalizeInitializationLocked() {
	c.state.Transition(StateSendApduReady)
	logger.Log.Infof("eSIM ready on logical slot %d, channel %d", c.logicalSlot, c.channelID)
}

func (c *Controller) receiveSendApduLocked(data []byte) {
	e := c.queue.Front()
	if e == nil || e.cmd != qmi.CmdSendApdu {
		logger.Log.Error("SEND_APDU response with no matching queue head")
		return
	}
	_, resp, err := qmi.DecodeResponse(qmi.CmdSendApdu, data)
	if err != nil {
		logger.Log.Errorf("bad SEND_APDU response: %v", err)
		c.abortApduChainLocked()
		return
	}
	r := resp.(*qmi.SendApduResponse)
	if !r.Result.Success() {
		logger.Log.Errorf("SEND_APDU failed: code %d error %d", r.Result.Code, r.Result.Error)
		c.abortApduChainLocked()
		return
	}

	if e.apdu.cmd.HasMoreFragments() {
		// Intermediate fragment ack; the real response follows the last one.
		c.transmitApduLocked(e)
		return
	}

	if err := c.responseBuf.AddData(r.ApduResponse); err != nil {
		logger.Log.Errorf("unusable APDU response: %v", err)
		c.abortApduChainLocked()
		return
	}
	if c.responseBuf.MorePayloadIncoming() {
		e.apdu.cmd = c.responseBuf.CreateGetMoreCommand()
		c.transmitApduLocked(e)
		return
	}

	c.responses = append(c.responses, c.responseBuf.Release())
	c.queue.PopFront()
	if e.apdu.last {
		if e.apdu.cb != nil {
			c.finishChainLocked(e.apdu.cb, nil)
		} else {
			c.responses = nil
		}
	}
}

// abortApduChainLocked terminates the chain owning the queue head after a
// modem-level failure: its callback gets the responses accumulated so far
// plus ErrSendApdu, the rest of the chain is dropped, and the logical
// channel is reacquired.
func (c *Controller) abortApduChainLocked() {
	c.dropHeadChainLocked()
	c.reacquireChannelLocked()
}

// dropHeadChainLocked removes the SendApdus chain at the queue head, up to
// and including its last item, and fails its callback with ErrSendApdu.
// Items of the next chain are left in place.
func (c *Controller) dropHeadChainLocked() {
	c.responseBuf = apdu.Response{}
	for {
		e := c.queue.Front()
		if e == nil || e.cmd != qmi.CmdSendApdu {
			break
		}
		c.queue.PopFront()
		if e.apdu.last {
			if e.apdu.cb != nil {
				c.finishChainLocked(e.apdu.cb, ErrSendApdu)
			}
			break
		}
	}
	c.responses = nil
}

// finishChainLocked hands the accumulated responses to cb exactly once;
// ownership transfers with the call and the controller's buffer is left
// empty.
func (c *Controller) finishChainLocked(cb ResponseCallback, err error) {
	responses := c.responses
	c.responses = nil
	c.deferred = append(c.deferred, func() { cb(responses, err) })
}

func (c *Controller) notifyUpdatedLocked(physicalSlot uint32, info SlotInfo) {
	if c.manager == nil {
		return
	}
	mgr := c.manager
	c.deferred = append(c.deferred, func() { mgr.OnEuiccUpdated(physicalSlot, info) })
}

func (c *Controller) notifyRemovedLocked(physicalSlot uint32) {
	if c.manager == nil {
		return
	}
	mgr := c.manager
	c.deferred = append(c.deferred, func() { mgr.OnEuiccRemoved(physicalSlot) })
}

func (c *Controller) notifyLogicalSlotLocked(physicalSlot uint32, logicalSlot int16) {
	if c.manager == nil {
		return
	}
	mgr := c.manager
	c.deferred = append(c.deferred, func() { mgr.OnEuiccLogicalSlotUpdated(physicalSlot, logicalSlot) })
}

// runDeferred invokes callbacks queued while the lock was held. They run
// unlocked so they may call back into the controller.
func (c *Controller) runDeferred() {
	for {
		c.mu.Lock()
		if len(c.deferred) == 0 {
			c.mu.Unlock()
			return
		}
		f := c.deferred[0]
		c.deferred = c.deferred[1:]
		c.mu.Unlock()
		f()
	}
}
