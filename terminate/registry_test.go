package terminate

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryFiresOnceInOrder(t *testing.T) {
	var r Registry
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		r.OnTerminate(func() { order = append(order, i) })
	}
	require.Equal(t, 3, r.Len())
	require.True(t, r.Fire())
	require.False(t, r.Fire())
	require.True(t, r.Terminated())
	require.Equal(t, []int{0, 1, 2}, order)
	require.Equal(t, 0, r.Len())
}

func TestRegistryRemove(t *testing.T) {
	var r Registry
	called := false
	remove := r.OnTerminate(func() { called = true })
	remove()
	remove()
	r.Fire()
	require.False(t, called)
}

func TestRegistryLateSubscriberRunsImmediately(t *testing.T) {
	var r Registry
	r.Fire()
	called := false
	r.OnTerminate(func() { called = true })
	require.True(t, called)
}

func TestRegistryHookPanicDoesNotStopOthers(t *testing.T) {
	var r Registry
	called := false
	r.OnTerminate(func() { panic("boom") })
	r.OnTerminate(func() { called = true })
	r.Fire()
	require.True(t, called)
}

func TestRegistryConcurrentFire(t *testing.T) {
	var r Registry
	var calls int32
	r.OnTerminate(func() { atomic.AddInt32(&calls, 1) })
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Fire() {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), calls)
	require.Equal(t, int32(1), wins)
}

func TestRegistryHookRemovingAnother(t *testing.T) {
	var r Registry
	var removeSecond func()
	secondCalled := false
	r.OnTerminate(func() { removeSecond() })
	removeSecond = r.OnTerminate(func() { secondCalled = true })
	r.Fire()
	// hooks are snapshotted when firing starts
	require.True(t, secondCalled)
}
