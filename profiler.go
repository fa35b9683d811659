package nerfmarch

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Scope and counter names recorded by the Renderer.
const (
	ScopeNearFar   = "near_far"
	ScopeMarch     = "march"
	ScopeField     = "field"
	ScopeComposite = "composite"
	ScopeCompact   = "compact"

	CountSamples     = "samples"
	CountDroppedRays = "dropped_rays"
	CountAliveRays   = "alive_rays"
	CountIterations  = "iterations"
)

// Profiler accumulates wall time per named scope and the latest value of
// named counters. It is safe for concurrent use.
type Profiler struct {
	mu     sync.Mutex
	scopes map[string]time.Duration
	counts map[string]int
	order  []string
}

func NewProfiler() *Profiler {
	return &Profiler{
		scopes: make(map[string]time.Duration),
		counts: make(map[string]int),
	}
}

// Begin starts timing a scope; call the returned func to stop it.
// Repeated scopes within one Reset period add up.
func (p *Profiler) Begin(name string) func() {
	if p == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		p.mu.Lock()
		defer p.mu.Unlock()
		if !slices.Contains(p.order, name) {
			p.order = append(p.order, name)
		}
		p.scopes[name] += elapsed
	}
}

func (p *Profiler) SetCount(name string, count int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.counts[name] = count
	p.mu.Unlock()
}

func (p *Profiler) AddCount(name string, delta int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.counts[name] += delta
	p.mu.Unlock()
}

func (p *Profiler) Scope(name string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scopes[name]
}

func (p *Profiler) Count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[name]
}

// Reset zeroes timings and counters but keeps the scope display order.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.scopes {
		p.scopes[k] = 0
	}
	clear(p.counts)
}

func (p *Profiler) StatsString() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("Timings (CPU):\n")
	for _, name := range p.order {
		ms := float64(p.scopes[name].Microseconds()) / 1000.0
		sb.WriteString(fmt.Sprintf("  %-15s: %.2f ms\n", name, ms))
	}

	sb.WriteString("\nStats:\n")
	keys := make([]string, 0, len(p.counts))
	for k := range p.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("  %-15s: %d\n", k, p.counts[k]))
	}
	return sb.String()
}
