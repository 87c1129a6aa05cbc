package ratelimit

import (
	"sort"
	"time"

	"github.com/kordahl/insight-server/internal/xerrors"
)

// Policy is one named quota class: how many requests a single client key may
// make inside one fixed window. Policies are immutable after registry
// construction.
type Policy struct {
	Name        string
	Window      time.Duration
	MaxRequests int
}

func (p Policy) validate() error {
	if p.Name == "" {
		return xerrors.New("policy name must not be empty")
	}
	if p.Window <= 0 {
		return xerrors.Newf("policy %s: window must be > 0 (got %v)", p.Name, p.Window)
	}
	if p.MaxRequests <= 0 {
		return xerrors.Newf("policy %s: max requests must be > 0 (got %d)", p.Name, p.MaxRequests)
	}
	return nil
}

// Well-known policy names. Route handlers select by name; the registry is the
// single source of truth for the numbers behind them.
const (
	PolicyRead        = "read"
	PolicyStandard    = "standard"
	PolicyData        = "data"
	PolicyPredictions = "predictions"
	PolicyStrict      = "strict"
)

// Defaults is the canonical policy table. The numbers are deployment
// configuration, not contract; the relative ordering is contract: cheap reads
// tolerate more throughput than mutations, which tolerate more than
// compute-heavy prediction calls.
func Defaults() []Policy {
	return []Policy{
		{Name: PolicyRead, Window: time.Minute, MaxRequests: 300},
		{Name: PolicyStandard, Window: time.Minute, MaxRequests: 120},
		{Name: PolicyData, Window: time.Minute, MaxRequests: 60},
		{Name: PolicyPredictions, Window: time.Minute, MaxRequests: 20},
		{Name: PolicyStrict, Window: time.Minute, MaxRequests: 10},
	}
}

// Registry holds the named policies defined at process start.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry validates every policy and the strictness ordering across the
// well-known names. Misconfiguration here is a programmer error and must fail
// process startup, never be tolerated at request time.
func NewRegistry(policies ...Policy) (*Registry, error) {
	if len(policies) == 0 {
		return nil, xerrors.New("registry requires at least one policy")
	}

	m := make(map[string]Policy, len(policies))
	for _, p := range policies {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := m[p.Name]; dup {
			return nil, xerrors.Newf("duplicate policy %s", p.Name)
		}
		m[p.Name] = p
	}

	// read > data > predictions whenever all three are defined. This is the
	// intended backpressure shape; a table that inverts it is a config bug.
	read, haveRead := m[PolicyRead]
	data, haveData := m[PolicyData]
	pred, havePred := m[PolicyPredictions]
	if haveRead && haveData && read.MaxRequests <= data.MaxRequests {
		return nil, xerrors.Newf("policy ordering: read (%d) must allow more than data (%d)",
			read.MaxRequests, data.MaxRequests)
	}
	if haveData && havePred && data.MaxRequests <= pred.MaxRequests {
		return nil, xerrors.Newf("policy ordering: data (%d) must allow more than predictions (%d)",
			data.MaxRequests, pred.MaxRequests)
	}

	return &Registry{policies: m}, nil
}

// Get returns the policy registered under name.
func (r *Registry) Get(name string) (Policy, bool) {
	p, ok := r.policies[name]
	return p, ok
}

// MustGet is for wiring at startup where the name is a compile-time constant.
func (r *Registry) MustGet(name string) Policy {
	p, ok := r.policies[name]
	if !ok {
		panic("ratelimit: unknown policy " + name)
	}
	return p
}

// Policies returns every registered policy sorted by descending MaxRequests,
// then name. Used by the introspection API.
func (r *Registry) Policies() []Policy {
	out := make([]Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MaxRequests != out[j].MaxRequests {
			return out[i].MaxRequests > out[j].MaxRequests
		}
		return out[i].Name < out[j].Name
	})
	return out
}
