package http

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haxii/fastduplex/bytebufferpool"
)

func collect(out Outbound) (objs []Object, doneErr error, doneCalls int, cancel func()) {
	cancel = out.Subscribe(func(o Object) { objs = append(objs, o) },
		func(err error) { doneErr = err; doneCalls++ })
	return
}

func TestJust(t *testing.T) {
	req := NewRequestHead("GET", "/", "h")
	last := NewLastContent(nil, nil)
	objs, err, calls, _ := collect(Just(req, last))
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, []Object{req, last}, objs)
}

func TestFail(t *testing.T) {
	boom := errors.New("boom")
	objs, err, calls, _ := collect(Fail(boom))
	require.Empty(t, objs)
	require.Equal(t, boom, err)
	require.Equal(t, 1, calls)
}

func TestPipeQueuesBeforeSubscribe(t *testing.T) {
	p := NewPipe()
	require.NoError(t, p.Send(NewRequestHead("GET", "/", "h")))
	var objs []Object
	var doneCalls int
	p.Subscribe(func(o Object) { objs = append(objs, o) }, func(err error) {
		require.NoError(t, err)
		doneCalls++
	})
	require.Len(t, objs, 1)
	require.NoError(t, p.Send(NewLastContent(nil, nil)))
	require.Len(t, objs, 2)
	p.Close(nil)
	p.Close(errors.New("ignored"))
	require.Equal(t, 1, doneCalls)
	require.ErrorIs(t, p.Send(NewLastContent(nil, nil)), ErrPipeClosed)
}

func TestPipeCancelReleasesQueued(t *testing.T) {
	alloc := &bytebufferpool.Allocator{}
	p := NewPipe()
	cancel := p.Subscribe(func(o Object) { o.Release() }, func(error) {})
	cancel()
	require.True(t, p.Cancelled())
	require.ErrorIs(t, p.Send(NewContent(alloc, []byte("x"))), ErrPipeClosed)
	require.Equal(t, int64(0), alloc.Active())
}

func TestPipeSingleSubscriber(t *testing.T) {
	p := NewPipe()
	p.Subscribe(func(Object) {}, func(error) {})
	_, err, calls, _ := collect(p)
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
