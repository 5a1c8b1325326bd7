package freq

import (
	"fmt"
	"math/rand"

	"github.com/sdrctf/challengectl/pkg/types"
)

// Catalog resolves named frequency ranges from the configuration.
type Catalog struct {
	ranges map[string]types.FreqRange
}

// NewCatalog builds a catalog from the configured range list. Duplicate
// names and inverted intervals are rejected.
func NewCatalog(ranges []types.FreqRange) (*Catalog, error) {
	m := make(map[string]types.FreqRange, len(ranges))
	for _, r := range ranges {
		if r.Name == "" {
			return nil, fmt.Errorf("frequency range without a name")
		}
		if r.MinHz <= 0 || r.MaxHz < r.MinHz {
			return nil, fmt.Errorf("frequency range %q: invalid interval [%d, %d]", r.Name, r.MinHz, r.MaxHz)
		}
		if _, dup := m[r.Name]; dup {
			return nil, fmt.Errorf("frequency range %q declared twice", r.Name)
		}
		m[r.Name] = r
	}
	return &Catalog{ranges: m}, nil
}

// Lookup returns the named range.
func (c *Catalog) Lookup(name string) (types.FreqRange, bool) {
	r, ok := c.ranges[name]
	return r, ok
}

// Names returns the declared range names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.ranges))
	for n := range c.ranges {
		names = append(names, n)
	}
	return names
}

// ValidateSpec checks that the challenge declares its frequency in exactly
// one of the three supported forms and that every named range resolves.
func (c *Catalog) ValidateSpec(cfg *types.ChallengeConfig) error {
	forms := 0
	if cfg.FrequencyHz > 0 {
		forms++
	}
	if len(cfg.RangeNames) > 0 {
		forms++
	}
	if cfg.ManualRange != nil {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("exactly one of frequency, ranges, manual_range must be set")
	}
	for _, name := range cfg.RangeNames {
		if _, ok := c.ranges[name]; !ok {
			return fmt.Errorf("unknown frequency range %q", name)
		}
	}
	if mr := cfg.ManualRange; mr != nil {
		if mr.MinHz <= 0 || mr.MaxHz < mr.MinHz {
			return fmt.Errorf("manual range: invalid interval [%d, %d]", mr.MinHz, mr.MaxHz)
		}
	}
	return nil
}

// Sample draws one concrete frequency for a dispatch. A fixed frequency
// returns as-is; a named-range list picks one range uniformly, then a
// frequency uniformly within it; a manual range samples uniformly.
// Intervals are inclusive on both ends.
func (c *Catalog) Sample(cfg *types.ChallengeConfig, rng *rand.Rand) (int64, error) {
	switch {
	case cfg.FrequencyHz > 0:
		return cfg.FrequencyHz, nil
	case len(cfg.RangeNames) > 0:
		name := cfg.RangeNames[rng.Intn(len(cfg.RangeNames))]
		r, ok := c.ranges[name]
		if !ok {
			return 0, fmt.Errorf("unknown frequency range %q", name)
		}
		return sampleRange(r, rng), nil
	case cfg.ManualRange != nil:
		return sampleRange(*cfg.ManualRange, rng), nil
	default:
		return 0, fmt.Errorf("challenge declares no frequency")
	}
}

func sampleRange(r types.FreqRange, rng *rand.Rand) int64 {
	if r.MaxHz == r.MinHz {
		return r.MinHz
	}
	return r.MinHz + rng.Int63n(r.MaxHz-r.MinHz+1)
}
