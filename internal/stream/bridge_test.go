package stream

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"oxidelab/pkg/types"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) OnToken(tok string)                    { r.add("token:" + tok) }
func (r *recorder) OnComplete(res types.GenerationResult) { r.add("complete:" + res.Content) }
func (r *recorder) OnError(err error)                     { r.add("error:" + err.Error()) }

func TestBridge_TokensThenSingleComplete(t *testing.T) {
	rec := &recorder{}
	b := NewBridge(rec)
	require.True(t, b.Token("a"))
	require.True(t, b.Token("b"))
	require.True(t, b.Complete(types.GenerationResult{Content: "ab"}))
	require.False(t, b.Token("late"))
	require.False(t, b.Complete(types.GenerationResult{Content: "again"}))
	require.False(t, b.Fail(errors.New("boom")))
	require.Equal(t, []string{"token:a", "token:b", "complete:ab"}, rec.calls)
	require.True(t, b.Done())
	require.Equal(t, 2, b.Tokens())
}

func TestBridge_ErrorIsTerminal(t *testing.T) {
	rec := &recorder{}
	b := NewBridge(rec)
	require.True(t, b.Finish(types.GenerationResult{}, errors.New("busy")))
	require.False(t, b.Finish(types.GenerationResult{Content: "x"}, nil))
	require.Equal(t, []string{"error:busy"}, rec.calls)
}

func TestBridge_ConcurrentTerminalsFireOnce(t *testing.T) {
	var completes, errs int
	var mu sync.Mutex
	b := NewBridge(Funcs{
		Complete: func(types.GenerationResult) { mu.Lock(); completes++; mu.Unlock() },
		Error:    func(error) { mu.Lock(); errs++; mu.Unlock() },
	})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.Complete(types.GenerationResult{})
			} else {
				b.Fail(errors.New("x"))
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, completes+errs)
}

func TestBridge_NilSink(t *testing.T) {
	b := NewBridge(nil)
	require.True(t, b.Token("x"))
	require.True(t, b.Complete(types.GenerationResult{}))
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	b := NewBridge(c)
	b.Token("hel")
	b.Token("lo")
	b.Complete(types.GenerationResult{FinishReason: types.FinishStop})
	<-c.Done()
	res, err := c.Result()
	require.NoError(t, err)
	require.Equal(t, "hello", res.Content)
	require.Equal(t, "hello", c.Text())

	c2 := NewCollector()
	NewBridge(c2).Fail(errors.New("nope"))
	<-c2.Done()
	_, err = c2.Result()
	require.EqualError(t, err, "nope")
}

func TestBridge_RecoversConsumerPanics(t *testing.T) {
	var completes int
	b := NewBridge(Funcs{
		Token:    func(tok string) { panic("bad consumer: " + tok) },
		Complete: func(types.GenerationResult) { completes++; panic("again") },
	})
	require.False(t, b.Token("a"), "a panicking delivery is not counted")
	require.Zero(t, b.Tokens())
	require.NotPanics(t, func() { require.True(t, b.Complete(types.GenerationResult{})) })
	require.Equal(t, 1, completes)
	require.True(t, b.Done())
	require.ErrorContains(t, b.Panicked(), "bad consumer: a")

	b = NewBridge(Funcs{Error: func(error) { panic("boom") }})
	require.NotPanics(t, func() { require.True(t, b.Fail(errors.New("x"))) })
	require.False(t, b.Fail(errors.New("y")))
	require.ErrorContains(t, b.Panicked(), "boom")
	require.NoError(t, NewBridge(nil).Panicked())
}
