package distrib

import (
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Single returns the trivial single-worker group: collectives are
// identities and barriers return immediately.
func Single() Comm { return single{} }

type single struct{}

func (single) Rank() int      { return 0 }
func (single) WorldSize() int { return 1 }

func (single) AllGather(local *tensors.Tensor) ([]*tensors.Tensor, error) {
	return []*tensors.Tensor{local}, nil
}

func (single) AllReduceMean(value float64) (float64, error) { return value, nil }

func (single) Barrier() error { return nil }

// NewGroup creates an in-process worker group of the given size, one Comm
// per rank. Each Comm is meant to be driven by its own goroutine; the
// collectives rendezvous all ranks, so a rank that never calls them would
// block the rest of the group.
func NewGroup(worldSize int) []Comm {
	shared := &groupState{
		worldSize: worldSize,
		tensors:   make([]*tensors.Tensor, worldSize),
		scalars:   make([]float64, worldSize),
	}
	shared.cond = sync.NewCond(&shared.mu)
	comms := make([]Comm, worldSize)
	for rank := range comms {
		comms[rank] = &member{rank: rank, state: shared}
	}
	return comms
}

// groupState is the rendezvous point shared by the members of one group.
// Each collective round works the same way: members deposit their
// contribution and wait; the last arriver publishes the round's result and
// bumps the generation, releasing the waiters. Results are published as
// fresh slices so a fast member starting the next round cannot clobber what
// a slow member is still reading.
type groupState struct {
	mu   sync.Mutex
	cond *sync.Cond

	worldSize  int
	arrived    int
	generation int

	tensors       []*tensors.Tensor
	gathered      []*tensors.Tensor
	scalars       []float64
	scalarsResult float64
}

type member struct {
	rank  int
	state *groupState
}

func (m *member) Rank() int      { return m.rank }
func (m *member) WorldSize() int { return m.state.worldSize }

// rendezvous runs one collective round. deposit stores this member's
// contribution, publish computes the shared result once all members have
// deposited, and capture reads the result out. All three run under the
// group lock, capture before the lock is released, so a member racing into
// the next round cannot clobber a result a slow member has not read yet.
func (m *member) rendezvous(deposit, publish, capture func()) {
	s := m.state
	s.mu.Lock()
	defer s.mu.Unlock()
	deposit()
	s.arrived++
	if s.arrived == s.worldSize {
		publish()
		s.arrived = 0
		s.generation++
		s.cond.Broadcast()
	} else {
		gen := s.generation
		for s.generation == gen {
			s.cond.Wait()
		}
	}
	capture()
}

func (m *member) AllGather(local *tensors.Tensor) ([]*tensors.Tensor, error) {
	s := m.state
	var out []*tensors.Tensor
	m.rendezvous(
		func() { s.tensors[m.rank] = local },
		func() {
			s.gathered = make([]*tensors.Tensor, s.worldSize)
			copy(s.gathered, s.tensors)
		},
		func() {
			out = make([]*tensors.Tensor, s.worldSize)
			copy(out, s.gathered)
		},
	)
	// Slot m.rank is the local tensor itself, as deposited.
	out[m.rank] = local
	return out, nil
}

func (m *member) AllReduceMean(value float64) (float64, error) {
	s := m.state
	var out float64
	m.rendezvous(
		func() { s.scalars[m.rank] = value },
		func() {
			sum := 0.0
			for _, v := range s.scalars {
				sum += v
			}
			s.scalarsResult = sum / float64(s.worldSize)
		},
		func() { out = s.scalarsResult },
	)
	return out, nil
}

func (m *member) Barrier() error {
	m.rendezvous(func() {}, func() {}, func() {})
	return nil
}
