// Package quota maps tenant tiers to the capacity and timeout parameters
// the pool enforces. The table is loaded once at startup and treated as
// immutable; tier changes are picked up lazily by the pool.
package quota

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/pelletier/go-toml/v2"

	"github.com/towerstats/transferpool/internal/domain/tenant"
)

// Limits holds the pool parameters for one tier.
type Limits struct {
	// MaxConnections caps the number of sessions a tenant may own,
	// counting idle, leased, and unhealthy sessions together.
	MaxConnections int `toml:"max_connections" validate:"gte=1"`

	// IdleTimeout is how long an idle session may sit unused before the
	// reaper evicts it.
	IdleTimeout time.Duration `toml:"idle_timeout" validate:"gt=0"`

	// MaxWait bounds how long an acquisition may queue when the tenant's
	// pool is saturated.
	MaxWait time.Duration `toml:"max_wait" validate:"gte=0"`

	// ProbeInterval is the period of the background liveness sweep.
	ProbeInterval time.Duration `toml:"probe_interval" validate:"gt=0"`

	// ProbeTimeout bounds a single liveness probe.
	ProbeTimeout time.Duration `toml:"probe_timeout" validate:"gt=0"`

	// RecheckAge is the last-probe age beyond which an idle session is
	// probed synchronously before being handed out.
	RecheckAge time.Duration `toml:"recheck_age" validate:"gt=0"`

	// MaxReconnectAttempts is the consecutive-failure bound after which an
	// unhealthy session is closed.
	MaxReconnectAttempts int `toml:"max_reconnect_attempts" validate:"gte=1"`

	// BackoffBase and BackoffMax shape the reconnect delay:
	// base * 2^attempt, capped at max.
	BackoffBase time.Duration `toml:"backoff_base" validate:"gt=0"`
	BackoffMax  time.Duration `toml:"backoff_max" validate:"gtefield=BackoffBase"`

	// PoolIdleTimeout is how long a tenant pool may sit with no sessions
	// and no waiters before the registry entry is pruned.
	PoolIdleTimeout time.Duration `toml:"pool_idle_timeout" validate:"gt=0"`
}

// Policy is the immutable tier-to-limits table.
type Policy struct {
	tiers map[tenant.Tier]Limits
}

// Default returns the compiled-in policy. The numbers are a starting point;
// production deployments override them through a TOML file (see Load).
func Default() *Policy {
	return &Policy{tiers: map[tenant.Tier]Limits{
		tenant.TierFree: {
			MaxConnections:       2,
			IdleTimeout:          5 * time.Minute,
			MaxWait:              10 * time.Second,
			ProbeInterval:        30 * time.Second,
			ProbeTimeout:         5 * time.Second,
			RecheckAge:           90 * time.Second,
			MaxReconnectAttempts: 3,
			BackoffBase:          250 * time.Millisecond,
			BackoffMax:           30 * time.Second,
			PoolIdleTimeout:      15 * time.Minute,
		},
		tenant.TierPro: {
			MaxConnections:       5,
			IdleTimeout:          10 * time.Minute,
			MaxWait:              30 * time.Second,
			ProbeInterval:        30 * time.Second,
			ProbeTimeout:         5 * time.Second,
			RecheckAge:           90 * time.Second,
			MaxReconnectAttempts: 5,
			BackoffBase:          250 * time.Millisecond,
			BackoffMax:           30 * time.Second,
			PoolIdleTimeout:      30 * time.Minute,
		},
		tenant.TierEnterprise: {
			MaxConnections:       10,
			IdleTimeout:          30 * time.Minute,
			MaxWait:              time.Minute,
			ProbeInterval:        15 * time.Second,
			ProbeTimeout:         5 * time.Second,
			RecheckAge:           45 * time.Second,
			MaxReconnectAttempts: 8,
			BackoffBase:          100 * time.Millisecond,
			BackoffMax:           10 * time.Second,
			PoolIdleTimeout:      time.Hour,
		},
	}}
}

// NewPolicy builds a policy from an explicit tier table. Load is the
// production path; this constructor serves tests and embedders.
func NewPolicy(tiers map[tenant.Tier]Limits) *Policy {
	return &Policy{tiers: maps.Clone(tiers)}
}

// fileConfig is the on-disk shape of a policy override file. Durations are
// TOML integers in nanoseconds, matching go-toml's time.Duration decoding.
type fileConfig struct {
	Tiers map[string]Limits `toml:"tiers"`
}

// Load reads a TOML policy file and merges it over the defaults. Tiers
// absent from the file keep their default limits; unknown tier labels in
// the file fail loading rather than being ignored.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading quota policy file: %w", err)
	}

	var cfg fileConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing quota policy file: %w", err)
	}

	p := Default()
	for label, limits := range cfg.Tiers {
		tier, err := tenant.ParseTier(label)
		if err != nil {
			return nil, err
		}
		p.tiers[tier] = limits
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Limits returns the limits for the given tier. Unknown tiers are a fatal
// configuration error, never a silent default.
func (p *Policy) Limits(tier tenant.Tier) (Limits, error) {
	l, ok := p.tiers[tier]
	if !ok {
		return Limits{}, fmt.Errorf("%w: %q", tenant.ErrUnknownTier, tier)
	}
	return l, nil
}

// Tiers returns the tier labels the policy knows about.
func (p *Policy) Tiers() []tenant.Tier {
	out := make([]tenant.Tier, 0, len(p.tiers))
	for t := range p.tiers {
		out = append(out, t)
	}
	return out
}

// Validate checks every tier's limits, returning translated field errors.
func (p *Policy) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	english := en.New()
	uni := ut.New(english, english)
	trans, _ := uni.GetTranslator("en")
	if err := entranslations.RegisterDefaultTranslations(validate, trans); err != nil {
		return fmt.Errorf("registering validator translations: %w", err)
	}

	for tier, limits := range p.tiers {
		if err := validate.Struct(limits); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				msgs := make([]string, 0, len(verrs))
				for _, fe := range verrs {
					msgs = append(msgs, fe.Translate(trans))
				}
				return fmt.Errorf("quota limits for tier %q invalid: %v", tier, msgs)
			}
			return fmt.Errorf("quota limits for tier %q invalid: %w", tier, err)
		}
	}
	return nil
}
