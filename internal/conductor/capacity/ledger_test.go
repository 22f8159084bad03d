package capacity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symphony/pkg/model"
)

func TestTryReserve_AllOrNothing(t *testing.T) {
	l := New()
	l.SetTotal("node-1", model.Capacity{"cpu": 4, "mem": 8})

	err := l.TryReserve("node-1", model.Capacity{"cpu": 2, "mem": 100})
	require.ErrorIs(t, err, ErrInsufficientCapacity)

	avail, ok := l.Available("node-1")
	require.True(t, ok, "expected node-1 to be known")
	assert.Equal(t, int64(4), avail["cpu"], "a failed reservation must not partially apply")
	assert.Equal(t, int64(8), avail["mem"], "a failed reservation must not partially apply")
}

func TestTryReserve_ThenRelease(t *testing.T) {
	l := New()
	l.SetTotal("node-1", model.Capacity{"cpu": 4})

	require.NoError(t, l.TryReserve("node-1", model.Capacity{"cpu": 3}))
	avail, _ := l.Available("node-1")
	assert.Equal(t, int64(1), avail["cpu"], "expected 1 cpu available after reserving 3 of 4")

	l.Release("node-1", model.Capacity{"cpu": 3})
	avail, _ = l.Available("node-1")
	assert.Equal(t, int64(4), avail["cpu"], "expected full capacity restored after release")
}

func TestRelease_ClampsAtZero(t *testing.T) {
	l := New()
	l.SetTotal("node-1", model.Capacity{"cpu": 4})
	l.Release("node-1", model.Capacity{"cpu": 10})

	reserved, _ := l.Reserved("node-1")
	assert.Equal(t, int64(0), reserved["cpu"], "expected reservation clamped at 0")
}

func TestTryReserve_UnknownNode(t *testing.T) {
	l := New()
	err := l.TryReserve("ghost", model.Capacity{"cpu": 1})
	require.ErrorIs(t, err, ErrUnknownNode)
}

func TestForget_RemovesNode(t *testing.T) {
	l := New()
	l.SetTotal("node-1", model.Capacity{"cpu": 4})
	l.Forget("node-1")

	_, ok := l.Available("node-1")
	assert.False(t, ok, "expected node-1 to be forgotten")
}
