package equivalence

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/upb/llm-fallback-gateway/services"
	"gopkg.in/yaml.v3"
)

// Capability tags used by fallback rules
const (
	CapabilityLongContext = "long-context"
	CapabilityReasoning   = "reasoning"
	CapabilityVision      = "vision"
)

// Tier is a named group of backends considered interchangeable for
// fallback purposes. Backends is the configured preference order.
type Tier struct {
	Name         string       `yaml:"name" validate:"required"`
	Backends     []BackendKey `yaml:"backends" validate:"required,min=1"`
	Capabilities []string     `yaml:"capabilities"`
}

// HasCapability reports whether the tier carries the given capability tag.
func (t *Tier) HasCapability(capability string) bool {
	for _, c := range t.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Table is the full equivalence tier configuration. It is loaded once at
// startup and replaced atomically on reload.
type Table struct {
	Tiers []Tier `yaml:"tiers" validate:"dive"`
}

// tableIndex is an immutable, pre-indexed view of a Table. Lookups never
// mutate it, so reads require no locking.
type tableIndex struct {
	tiers     []Tier
	byBackend map[BackendKey]*Tier
}

// Registry answers "what else could serve this request instead of X".
// The underlying table is swapped atomically on Reload, so concurrent
// readers always see a consistent snapshot.
type Registry struct {
	defaults *tableIndex
	current  atomic.Pointer[tableIndex]
}

var validate = validator.New()

// NewRegistry builds a registry from the given table. Tier membership is
// validated at load time: a backend appearing in more than one tier is a
// configuration error.
func NewRegistry(table Table) (*Registry, error) {
	idx, err := buildIndex(table)
	if err != nil {
		return nil, err
	}

	r := &Registry{defaults: idx}
	r.current.Store(idx)
	return r, nil
}

// LoadTable reads an equivalence tier table from a YAML file.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read tier table: %w", err)
	}

	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return Table{}, fmt.Errorf("%w: %v", services.ErrInvalidTierTable, err)
	}

	return table, nil
}

// buildIndex validates the table and constructs the backend -> tier index.
func buildIndex(table Table) (*tableIndex, error) {
	if err := validate.Struct(table); err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrInvalidTierTable, err)
	}

	idx := &tableIndex{
		tiers:     table.Tiers,
		byBackend: make(map[BackendKey]*Tier),
	}

	for i := range idx.tiers {
		tier := &idx.tiers[i]
		for _, key := range tier.Backends {
			if _, _, err := ParseBackendKey(string(key)); err != nil {
				return nil, err
			}
			if existing, ok := idx.byBackend[key]; ok {
				return nil, fmt.Errorf("%w: %q in tiers %q and %q",
					services.ErrAmbiguousTier, key, existing.Name, tier.Name)
			}
			idx.byBackend[key] = tier
		}
	}

	return idx, nil
}

// ResolveTier returns the tier a backend belongs to. The second return is
// false when the backend is not registered in any tier, which is a
// legitimate case since not every backend needs fallback peers.
func (r *Registry) ResolveTier(key BackendKey) (*Tier, bool) {
	tier, ok := r.current.Load().byBackend[key]
	return tier, ok
}

// PeersOf returns the backends in the same tier as key, in configured
// preference order, minus key itself and any key in excluding.
func (r *Registry) PeersOf(key BackendKey, excluding map[BackendKey]struct{}) []BackendKey {
	tier, ok := r.ResolveTier(key)
	if !ok {
		return nil
	}

	peers := make([]BackendKey, 0, len(tier.Backends))
	for _, peer := range tier.Backends {
		if peer == key {
			continue
		}
		if _, skip := excluding[peer]; skip {
			continue
		}
		peers = append(peers, peer)
	}

	return peers
}

// Tiers returns a snapshot of all configured tiers.
func (r *Registry) Tiers() []Tier {
	return r.current.Load().tiers
}

// Reload validates a new table and swaps it in atomically. In-flight
// readers keep the snapshot they already loaded.
func (r *Registry) Reload(table Table) error {
	idx, err := buildIndex(table)
	if err != nil {
		return err
	}
	r.current.Store(idx)
	return nil
}

// Reset restores the table the registry was constructed with.
func (r *Registry) Reset() {
	r.current.Store(r.defaults)
}

// DefaultTable returns the built-in tier configuration used when no tier
// table file is configured.
func DefaultTable() Table {
	return Table{
		Tiers: []Tier{
			{
				Name: "general-large",
				Backends: []BackendKey{
					"openai/gpt-4o",
					"anthropic/claude-sonnet-4",
					"google/gemini-2.5-pro",
				},
				Capabilities: []string{CapabilityReasoning, CapabilityVision},
			},
			{
				Name: "general-small",
				Backends: []BackendKey{
					"openai/gpt-4o-mini",
					"anthropic/claude-haiku-3.5",
					"google/gemini-2.5-flash",
				},
			},
			{
				Name: "long-context",
				Backends: []BackendKey{
					"google/gemini-2.5-pro-long",
					"anthropic/claude-sonnet-4-long",
				},
				Capabilities: []string{CapabilityLongContext},
			},
		},
	}
}
