package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStartsInActiveRecovery(t *testing.T) {
	s := New()

	assert.Equal(t, RecoveryActive, s.RecoveryMode())
	assert.Equal(t, UnknownPNN, s.PNN())
	assert.Equal(t, RunStateUnknown, s.RunState())
	assert.NotEqual(t, [16]byte{}, [16]byte(s.Incarnation))
}

func TestRecoveryModeWatchersFireOnChangeOnly(t *testing.T) {
	s := New()

	var seen []RecoveryMode
	s.OnRecoveryMode(func(m RecoveryMode) { seen = append(seen, m) })

	s.SetRecoveryMode(RecoveryActive) // unchanged
	s.SetRecoveryMode(RecoveryNormal)
	s.SetRecoveryMode(RecoveryNormal)
	s.SetRecoveryMode(RecoveryActive)

	assert.Equal(t, []RecoveryMode{RecoveryNormal, RecoveryActive}, seen)
}

func TestRecoveryWatcherMayRegisterWatchers(t *testing.T) {
	s := New()

	var late []RecoveryMode
	s.OnRecoveryMode(func(RecoveryMode) {
		s.OnRecoveryMode(func(m RecoveryMode) { late = append(late, m) })
	})

	s.SetRecoveryMode(RecoveryNormal)
	assert.Empty(t, late, "watchers added during a notification wait for the next change")
	s.SetRecoveryMode(RecoveryActive)
	assert.Equal(t, []RecoveryMode{RecoveryActive}, late)
}

func TestGenerationWatchersFireOnChangeOnly(t *testing.T) {
	s := New()

	var seen []uint32
	s.OnGeneration(func(g uint32) { seen = append(seen, g) })

	s.SetGeneration(2)
	s.SetGeneration(2)
	s.SetGeneration(3)

	assert.Equal(t, []uint32{2, 3}, seen)
	assert.Equal(t, uint32(3), s.Generation())
}

func TestRaiseMaxHopCount(t *testing.T) {
	var st Statistics

	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(1)
		go func(h int64) {
			defer wg.Done()
			st.RaiseMaxHopCount(h)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(50), st.Snapshot().MaxHopCount)
	st.RaiseMaxHopCount(3)
	assert.Equal(t, int64(50), st.MaxHopCount.Load())
}
