package runner

import (
	"sync"

	"github.com/shinji-kodama/icebridge-batch/internal/model"
)

// Policy is the idempotence policy consulted by the Runner: it decides, per
// stage, whether an existing output may be reused or the task must rerun.
//
// A Policy starts either reusing everything or forcing everything (--redo).
// The driver forces additional stages as the run progresses, e.g. every
// stage downstream of the per-pair DEMs once one of those DEMs had to be
// produced, so that no derived product is built from stale inputs.
//
// Policy is safe for concurrent use; the per-pair stage consults it from
// several workers.
type Policy struct {
	mu       sync.RWMutex
	forceAll bool
	forced   map[model.StageName]bool
}

// NewPolicy returns a policy that forces every stage when redo is true and
// reuses existing outputs otherwise.
func NewPolicy(redo bool) *Policy {
	return &Policy{
		forceAll: redo,
		forced:   make(map[model.StageName]bool),
	}
}

// Force marks the given stages as needing regeneration.
func (p *Policy) Force(stages ...model.StageName) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range stages {
		p.forced[s] = true
	}
}

// ForceAll marks every stage as needing regeneration.
func (p *Policy) ForceAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forceAll = true
}

// ForceAfter forces every stage that comes after stage in pipeline order.
func (p *Policy) ForceAfter(stage model.StageName) {
	var after []model.StageName
	seen := false
	for _, s := range model.AllStages {
		if seen {
			after = append(after, s)
		}
		if s == stage {
			seen = true
		}
	}
	p.Force(after...)
}

// Forced reports whether tasks of the stage must run even when their
// output exists.
func (p *Policy) Forced(stage model.StageName) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.forceAll || p.forced[stage]
}
