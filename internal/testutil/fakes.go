package testutil

import (
	"context"
	"sync"

	"github.com/MikeSquared-Agency/espadas/internal/callstore"
)

// FakeCalls is an in-memory provider call store.
type FakeCalls struct {
	mu sync.Mutex

	Calls     map[string]*callstore.RawCall
	Summaries []callstore.Summary
	// Pending makes GetCall report not-found for a call this many times
	// before returning it, as the provider does while artifacts are written.
	Pending map[string]int
	GetErr  error

	GetCalls int
}

func NewFakeCalls() *FakeCalls {
	return &FakeCalls{Calls: make(map[string]*callstore.RawCall), Pending: make(map[string]int)}
}

// Put stores raw under its id.
func (f *FakeCalls) Put(raw *callstore.RawCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls[raw.ID] = raw
}

func (f *FakeCalls) GetCall(_ context.Context, callID string) (*callstore.RawCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalls++
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	if n := f.Pending[callID]; n > 0 {
		f.Pending[callID] = n - 1
		return nil, callstore.ErrNotFound
	}
	raw, ok := f.Calls[callID]
	if !ok {
		return nil, callstore.ErrNotFound
	}
	return raw, nil
}

func (f *FakeCalls) ListCalls(_ context.Context, limit int) ([]callstore.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]callstore.Summary(nil), f.Summaries...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Gets returns how many times GetCall was called.
func (f *FakeCalls) Gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.GetCalls
}

// StubGenerator returns scripted results in order, repeating the last one.
type StubGenerator struct {
	mu        sync.Mutex
	Responses []string
	Errs      []error
	Prompts   []string
}

// NewStubGenerator returns a generator that always answers resp.
func NewStubGenerator(resp string) *StubGenerator {
	return &StubGenerator{Responses: []string{resp}}
}

func (g *StubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := len(g.Prompts)
	g.Prompts = append(g.Prompts, prompt)
	if i < len(g.Errs) && g.Errs[i] != nil {
		return "", g.Errs[i]
	}
	if len(g.Responses) == 0 {
		return "", nil
	}
	if i >= len(g.Responses) {
		i = len(g.Responses) - 1
	}
	return g.Responses[i], nil
}

// Calls returns how many times Generate was called.
func (g *StubGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Prompts)
}
