package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtualNowStartsAtGivenTime(t *testing.T) {
	start := time.Unix(1700000000, 0)
	v := NewVirtual(start)
	assert.Equal(t, start, v.Now())
}

func TestVirtualAdvanceFiresDueTimers(t *testing.T) {
	start := time.Unix(0, 0)
	v := NewVirtual(start)

	timer := v.NewTimer(100 * time.Millisecond)

	v.Advance(50 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	v.Advance(60 * time.Millisecond)
	select {
	case got := <-timer.C():
		assert.Equal(t, start.Add(110*time.Millisecond), got)
	default:
		t.Fatal("timer did not fire once its deadline passed")
	}
}

func TestVirtualTimerResetReschedules(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	timer := v.NewTimer(10 * time.Millisecond)

	v.Advance(5 * time.Millisecond)
	existed := timer.Reset(50 * time.Millisecond)
	require.True(t, existed)

	v.Advance(10 * time.Millisecond) // would have fired the original deadline
	select {
	case <-timer.C():
		t.Fatal("timer fired at the pre-reset deadline")
	default:
	}

	v.Advance(45 * time.Millisecond)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at the rescheduled deadline")
	}
}

func TestVirtualTimerStopPreventsFiring(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	timer := v.NewTimer(10 * time.Millisecond)

	require.True(t, timer.Stop())
	v.Advance(time.Second)

	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}
