package vm

import (
	"slices"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/types"
)

// Action is a lifecycle verb.
type Action string

const (
	ActionCreate    Action = "create"
	ActionStart     Action = "start"
	ActionStop      Action = "stop"
	ActionForceStop Action = "force_stop"
	ActionPause     Action = "pause"
	ActionResume    Action = "resume"
	ActionReset     Action = "reset"
	ActionSave      Action = "save"
	ActionDelete    Action = "delete"
	ActionClone     Action = "clone"
	ActionModify    Action = "modify"
)

// Transition is one row of the lifecycle table.
type Transition struct {
	From []types.VMState
	// To is the resulting state. Empty means unchanged (clone leaves the
	// source as it was).
	To types.VMState
}

var registered = []types.VMState{
	types.VMStatePoweredOff, types.VMStateRunning, types.VMStatePaused,
	types.VMStateSaved, types.VMStateAborted,
}

// Transitions is the legal lifecycle table. Any (state, action) pair not
// listed is a state conflict and never reaches the hypervisor.
var Transitions = map[Action]Transition{
	ActionCreate:    {From: []types.VMState{types.VMStateUndefined}, To: types.VMStatePoweredOff},
	ActionStart:     {From: []types.VMState{types.VMStatePoweredOff, types.VMStateSaved}, To: types.VMStateRunning},
	ActionStop:      {From: []types.VMState{types.VMStateRunning, types.VMStatePaused}, To: types.VMStatePoweredOff},
	ActionForceStop: {From: []types.VMState{types.VMStateRunning, types.VMStatePaused, types.VMStateAborted}, To: types.VMStatePoweredOff},
	ActionPause:     {From: []types.VMState{types.VMStateRunning}, To: types.VMStatePaused},
	ActionResume:    {From: []types.VMState{types.VMStatePaused}, To: types.VMStateRunning},
	ActionReset:     {From: []types.VMState{types.VMStateRunning}, To: types.VMStateRunning},
	ActionSave:      {From: []types.VMState{types.VMStateRunning, types.VMStatePaused}, To: types.VMStateSaved},
	ActionDelete:    {From: []types.VMState{types.VMStatePoweredOff}, To: types.VMStateUndefined},
	ActionClone:     {From: registered},
	ActionModify:    {From: []types.VMState{types.VMStatePoweredOff}, To: types.VMStatePoweredOff},
}

// Check validates action from state and returns the resulting state.
func Check(name string, action Action, from types.VMState) (types.VMState, error) {
	t, ok := Transitions[action]
	if !ok {
		return from, errdefs.Internalf("unknown lifecycle action %q", action)
	}
	if !slices.Contains(t.From, from) {
		if from == types.VMStateUndefined {
			return from, errdefs.NotFoundf("VM %s does not exist", name)
		}
		return from, errdefs.Conflictf("cannot %s VM %s in state %s", action, name, from)
	}
	if t.To == "" {
		return from, nil
	}
	return t.To, nil
}
