package fsm

import (
	"testing"
	"tracktrace/internal/types"

	"github.com/stretchr/testify/assert"
)

func TestFSM_Transitions(t *testing.T) {
	f := New()

	s := f.Next(StateUnknown, types.EventTransport)
	assert.Equal(t, types.StateInTransport, s)

	s = f.Next(s, types.EventDock)
	assert.Equal(t, types.StateStationary, s)

	s = f.Next(s, types.EventTurn)
	assert.Equal(t, types.StateInTransport, s)

	s = f.Next(s, types.EventDrop)
	assert.Equal(t, types.StateStationary, s)
}

func TestFSM_UnknownEventKeepsState(t *testing.T) {
	f := New()

	next, err := f.Fire(types.StateInTransport, types.EventType("CHARGE"))
	assert.Error(t, err)
	assert.Equal(t, types.StateInTransport, next)
	assert.Equal(t, types.StateStationary, f.Next(types.StateStationary, "CHARGE"))
}
