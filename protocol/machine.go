package protocol

import "time"

// EventKind identifies what drives a transition.
type EventKind uint8

const (
	// EventDownload asks to send one DNLOAD block (empty data = manifest block)
	EventDownload EventKind = iota + 1

	// EventStatus carries a freshly polled GETSTATUS result
	EventStatus

	// EventAbort asks to cancel the handshake in progress
	EventAbort

	// EventDetach asks the device to leave DFU mode
	EventDetach
)

// Event is an input to Step.
type Event struct {
	Kind   EventKind
	Data   []byte
	Status Status
}

// Download returns an EventDownload for data.
func Download(data []byte) Event { return Event{Kind: EventDownload, Data: data} }

// StatusPolled returns an EventStatus for st.
func StatusPolled(st Status) Event { return Event{Kind: EventStatus, Status: st} }

// AbortRequested returns an EventAbort.
func AbortRequested() Event { return Event{Kind: EventAbort} }

// DetachRequested returns an EventDetach.
func DetachRequested() Event { return Event{Kind: EventDetach} }

// ActionKind tells the driver what to do next.
type ActionKind uint8

const (
	// ActNone means there is nothing to send
	ActNone ActionKind = iota

	// ActSendDownload issues DFU_DNLOAD with Action.Data, then polls
	ActSendDownload

	// ActPollStatus waits Action.Delay, then issues DFU_GETSTATUS
	ActPollStatus

	// ActChunkAccepted means the device is back in dfuDNLOAD-IDLE
	ActChunkAccepted

	// ActManifested means manifestation finished (or the device waits for reset)
	ActManifested

	// ActClearStatus issues DFU_CLRSTATUS; Action.Err holds the device error if any
	ActClearStatus

	// ActAbort issues DFU_ABORT
	ActAbort

	// ActDetach issues DFU_DETACH
	ActDetach

	// ActFail stops the operation with Action.Err
	ActFail
)

var actionNames = [...]string{
	ActNone:          "none",
	ActSendDownload:  "send-download",
	ActPollStatus:    "poll-status",
	ActChunkAccepted: "chunk-accepted",
	ActManifested:    "manifested",
	ActClearStatus:   "clear-status",
	ActAbort:         "abort",
	ActDetach:        "detach",
	ActFail:          "fail",
}

func (k ActionKind) String() string {
	if int(k) < len(actionNames) {
		return actionNames[k]
	}
	return "unknown"
}

// Action is the output of Step.
type Action struct {
	Kind  ActionKind
	Data  []byte
	Delay time.Duration
	Err   error
}

// Step is the DFU download state machine. It is a pure function: it never
// performs I/O, so the caller executes the returned Action and feeds the
// device's answer back in as the next Event.
//
// Transitions are device driven: the host state only advances when a polled
// status confirms it.
func Step(current State, ev Event) (State, Action) {
	switch ev.Kind {
	case EventDownload:
		return stepDownload(current, ev.Data)
	case EventStatus:
		return stepStatus(current, ev.Status)
	case EventAbort:
		switch current {
		case DfuError:
			return DfuError, Action{Kind: ActClearStatus}
		case AppIdle, AppDetach:
			return current, Action{Kind: ActFail, Err: &DesyncError{From: current, Reported: current, Reason: "abort outside DFU mode"}}
		}
		return DfuIdle, Action{Kind: ActAbort}
	case EventDetach:
		if current == DfuError {
			return DfuError, Action{Kind: ActClearStatus}
		}
		return AppDetach, Action{Kind: ActDetach}
	}

	return current, Action{Kind: ActFail, Err: &DesyncError{From: current, Reported: current, Reason: "unknown event"}}
}

func stepDownload(current State, data []byte) (State, Action) {
	switch current {
	case DfuError:
		// DNLOAD is never sent from dfuERROR; clear first.
		return DfuError, Action{Kind: ActClearStatus}
	case DfuIdle:
		if len(data) == 0 {
			return current, Action{Kind: ActFail, Err: &DesyncError{
				From: current, Reported: current,
				Reason: "zero-length download before any data",
			}}
		}
		return DfuDnloadSync, Action{Kind: ActSendDownload, Data: data}
	case DfuDnloadIdle:
		if len(data) == 0 {
			return DfuManifestSync, Action{Kind: ActSendDownload}
		}
		return DfuDnloadSync, Action{Kind: ActSendDownload, Data: data}
	}

	return current, Action{Kind: ActFail, Err: &DesyncError{
		From: current, Reported: current,
		Reason: "download requested outside dfuIDLE/dfuDNLOAD-IDLE",
	}}
}

func stepStatus(current State, st Status) (State, Action) {
	if st.State == DfuError || st.Code != StatusOK {
		return DfuError, Action{Kind: ActClearStatus, Err: &DeviceError{Code: st.Code, State: st.State}}
	}

	switch current {
	case DfuDnloadSync, DfuDnbusy:
		switch st.State {
		case DfuDnbusy, DfuDnloadSync:
			return st.State, Action{Kind: ActPollStatus, Delay: st.PollTimeout}
		case DfuDnloadIdle:
			return DfuDnloadIdle, Action{Kind: ActChunkAccepted}
		}
	case DfuManifestSync, DfuManifest:
		switch st.State {
		case DfuManifestSync, DfuManifest:
			return st.State, Action{Kind: ActPollStatus, Delay: st.PollTimeout}
		case DfuManifestWaitReset, DfuIdle:
			return st.State, Action{Kind: ActManifested}
		}
	default:
		// Outside a handshake a status poll only refreshes the state.
		return st.State, Action{Kind: ActNone}
	}

	return current, Action{Kind: ActFail, Err: &DesyncError{From: current, Reported: st.State}}
}
