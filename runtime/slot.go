package runtime

import (
	"sync"
)

// Slot holds the active extension module. Any number of readers may borrow
// concurrently; Swap takes the write lock and replaces the pointer in one
// step, so a reader sees either the old or the new module in full.
//
// Readers only hold the lock while taking a reference. A borrow taken before
// a swap keeps the old module alive until Release, so in-flight invocations
// run to completion on the module they started with.
type Slot struct {
	mu         sync.RWMutex
	module     *Module
	generation uint64
}

// Borrow is a reference to the module of one slot generation, held for the
// duration of one invocation.
type Borrow struct {
	module     *Module
	generation uint64
	once       sync.Once
}

// Module returns the borrowed module. Valid until Release.
func (b *Borrow) Module() *Module { return b.module }

// Generation is the slot generation the module was borrowed from.
func (b *Borrow) Generation() uint64 { return b.generation }

// Release returns the borrow. Safe to call more than once.
func (b *Borrow) Release() {
	b.once.Do(b.module.release)
}

// Read borrows the current module.
func (s *Slot) Read() (*Borrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.module == nil {
		return nil, ErrNoActiveModule
	}
	s.module.acquire()
	return &Borrow{module: s.module, generation: s.generation}, nil
}

// Swap installs m and returns the new generation. The previous module is
// retired and released once its last borrow ends.
func (s *Slot) Swap(m *Module) uint64 {
	s.mu.Lock()
	previous := s.module
	s.module = m
	s.generation++
	generation := s.generation
	s.mu.Unlock()

	if previous != nil && previous != m {
		previous.retire()
	}
	return generation
}

// Generation reports how many swaps the slot has seen.
func (s *Slot) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Info describes the current module.
func (s *Slot) Info() (ModuleInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.module == nil {
		return ModuleInfo{}, ErrNoActiveModule
	}
	return infoOf(s.module, s.generation), nil
}

// Close empties the slot and retires its module.
func (s *Slot) Close() {
	s.mu.Lock()
	previous := s.module
	s.module = nil
	s.mu.Unlock()
	if previous != nil {
		previous.retire()
	}
}
