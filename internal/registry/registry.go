package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/meridian-ai/llm-orchestrator/internal/types"
)

// ErrInvalidDescriptor is returned when a descriptor fails validation.
var ErrInvalidDescriptor = errors.New("invalid model descriptor")

// NoEligibleModelError is returned by SelectChain when no registered model
// satisfies the requirements.
type NoEligibleModelError struct {
	Capability types.Capability
}

func (e *NoEligibleModelError) Error() string {
	return fmt.Sprintf("no eligible model for capability %q", e.Capability)
}

// ModelDescriptor describes a registered model. Descriptors are immutable
// once registered; updates replace the entry wholesale.
type ModelDescriptor struct {
	ID           string             `yaml:"id"`
	BackendID    string             `yaml:"backend"`
	Capabilities []types.Capability `yaml:"capabilities"`
	CostPerToken float64            `yaml:"cost_per_token"`
	MaxTokens    int                `yaml:"max_tokens"`
	Priority     int                `yaml:"priority"`
}

// HasCapability reports whether the descriptor declares the capability.
func (d ModelDescriptor) HasCapability(c types.Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CapabilityKey returns a canonical representation of the capability set,
// used to decide whether two models have different capability constraints.
func (d ModelDescriptor) CapabilityKey() string {
	caps := make([]string, len(d.Capabilities))
	for i, c := range d.Capabilities {
		caps[i] = string(c)
	}
	sort.Strings(caps)
	return strings.Join(caps, ",")
}

func (d ModelDescriptor) validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDescriptor)
	}
	if d.BackendID == "" {
		return fmt.Errorf("%w: backend is required for model %s", ErrInvalidDescriptor, d.ID)
	}
	if len(d.Capabilities) == 0 {
		return fmt.Errorf("%w: model %s declares no capabilities", ErrInvalidDescriptor, d.ID)
	}
	if d.Priority < 0 {
		return fmt.Errorf("%w: model %s has negative priority", ErrInvalidDescriptor, d.ID)
	}
	return nil
}

// Requirements describe what a request needs from a model.
type Requirements struct {
	Capability       types.Capability
	MaxCost          *float64
	PreferredBackend string
}

// Registry is a catalog of model descriptors. Reads go through an immutable
// snapshot swapped atomically, so SelectChain never observes a partial
// update; writers serialize on a mutex and publish copy-on-write.
type Registry struct {
	snapshot atomic.Pointer[map[string]ModelDescriptor]
	writeMu  sync.Mutex
	logger   *logrus.Logger
}

// New creates an empty registry.
func New(logger *logrus.Logger) *Registry {
	r := &Registry{logger: logger}
	empty := make(map[string]ModelDescriptor)
	r.snapshot.Store(&empty)
	return r
}

// Register upserts a descriptor by id.
func (r *Registry) Register(desc ModelDescriptor) error {
	if err := desc.validate(); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := *r.snapshot.Load()
	next := make(map[string]ModelDescriptor, len(current)+1)
	for id, d := range current {
		next[id] = d
	}
	next[desc.ID] = desc
	r.snapshot.Store(&next)

	r.logger.WithFields(logrus.Fields{
		"model":    desc.ID,
		"backend":  desc.BackendID,
		"priority": desc.Priority,
	}).Info("Model registered")

	return nil
}

// Replace swaps the whole catalog in one step. Used on config reload; the
// new set is validated before anything is published.
func (r *Registry) Replace(descs []ModelDescriptor) error {
	next := make(map[string]ModelDescriptor, len(descs))
	for _, desc := range descs {
		if err := desc.validate(); err != nil {
			return err
		}
		next[desc.ID] = desc
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.snapshot.Store(&next)
	r.logger.WithField("models", len(next)).Info("Model catalog replaced")
	return nil
}

// Get returns the descriptor for an id.
func (r *Registry) Get(id string) (ModelDescriptor, bool) {
	desc, ok := (*r.snapshot.Load())[id]
	return desc, ok
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []ModelDescriptor {
	current := *r.snapshot.Load()
	descs := make([]ModelDescriptor, 0, len(current))
	for _, d := range current {
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].ID < descs[j].ID })
	return descs
}

// SelectChain returns the ordered fallback chain for the requirements:
// preferred backend first when eligible, then priority descending, cost per
// token ascending, and model id as the deterministic tie-break.
func (r *Registry) SelectChain(req Requirements) ([]ModelDescriptor, error) {
	current := *r.snapshot.Load()

	var eligible []ModelDescriptor
	for _, desc := range current {
		if !desc.HasCapability(req.Capability) {
			continue
		}
		if req.MaxCost != nil && desc.CostPerToken > *req.MaxCost {
			continue
		}
		eligible = append(eligible, desc)
	}

	if len(eligible) == 0 {
		return nil, &NoEligibleModelError{Capability: req.Capability}
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if req.PreferredBackend != "" {
			aPref := a.BackendID == req.PreferredBackend
			bPref := b.BackendID == req.PreferredBackend
			if aPref != bPref {
				return aPref
			}
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.CostPerToken != b.CostPerToken {
			return a.CostPerToken < b.CostPerToken
		}
		return a.ID < b.ID
	})

	return eligible, nil
}
