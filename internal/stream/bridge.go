// Package stream delivers generated tokens to a consumer and guarantees
// exactly one terminal notification per generation.
package stream

import (
	"fmt"
	"strings"
	"sync"

	"oxidelab/pkg/types"
)

// Sink is the consumer side of a generation. OnToken may be called any number
// of times, then exactly one of OnComplete or OnError.
type Sink interface {
	OnToken(token string)
	OnComplete(res types.GenerationResult)
	OnError(err error)
}

// Funcs adapts plain callbacks to a Sink. Nil fields are ignored.
type Funcs struct {
	Token    func(string)
	Complete func(types.GenerationResult)
	Error    func(error)
}

func (f Funcs) OnToken(tok string) {
	if f.Token != nil {
		f.Token(tok)
	}
}

func (f Funcs) OnComplete(res types.GenerationResult) {
	if f.Complete != nil {
		f.Complete(res)
	}
}

func (f Funcs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// Bridge wraps a Sink and drops anything delivered after the terminal call.
// Safe for concurrent use; calls into the Sink are serialized. A panic in a
// Sink method is recovered and kept; a token whose delivery panicked counts as
// not delivered.
type Bridge struct {
	mu       sync.Mutex
	sink     Sink
	closed   bool
	tokens   int
	panicked error
}

func NewBridge(sink Sink) *Bridge {
	if sink == nil {
		sink = Funcs{}
	}
	return &Bridge{sink: sink}
}

// Token forwards tok and reports whether it was delivered.
func (b *Bridge) Token(tok string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if !b.call(func() { b.sink.OnToken(tok) }) {
		return false
	}
	b.tokens++
	return true
}

// Complete fires OnComplete unless a terminal already fired.
func (b *Bridge) Complete(res types.GenerationResult) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	b.call(func() { b.sink.OnComplete(res) })
	return true
}

// Fail fires OnError unless a terminal already fired.
func (b *Bridge) Fail(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	b.call(func() { b.sink.OnError(err) })
	return true
}

// call runs fn with b.mu held and reports whether it returned normally.
func (b *Bridge) call(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if b.panicked == nil {
				b.panicked = fmt.Errorf("stream consumer panic: %v", r)
			}
			ok = false
		}
	}()
	fn()
	return true
}

// Finish fires Fail when err is non-nil, else Complete.
func (b *Bridge) Finish(res types.GenerationResult, err error) bool {
	if err != nil {
		return b.Fail(err)
	}
	return b.Complete(res)
}

// Done reports whether a terminal notification was delivered.
func (b *Bridge) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Panicked returns the first panic recovered from the Sink, or nil.
func (b *Bridge) Panicked() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.panicked
}

// Tokens returns how many tokens were delivered.
func (b *Bridge) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Collector is a Sink that buffers everything for the blocking variant.
type Collector struct {
	mu     sync.Mutex
	buf    strings.Builder
	result types.GenerationResult
	err    error
	done   chan struct{}
	once   sync.Once
}

func NewCollector() *Collector { return &Collector{done: make(chan struct{})} }

func (c *Collector) OnToken(tok string) {
	c.mu.Lock()
	c.buf.WriteString(tok)
	c.mu.Unlock()
}

func (c *Collector) OnComplete(res types.GenerationResult) {
	c.mu.Lock()
	c.result = res
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *Collector) OnError(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

// Done is closed once a terminal notification arrived.
func (c *Collector) Done() <-chan struct{} { return c.done }

// Text is everything received through OnToken so far.
func (c *Collector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Result returns the terminal outcome. If the result carries no content the
// streamed text is used.
func (c *Collector) Result() (types.GenerationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.result
	if res.Content == "" {
		res.Content = c.buf.String()
	}
	return res, c.err
}
