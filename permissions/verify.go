package permissions

import (
	"context"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/collabkit/collab-server-go/identity"
)

// VerifierConfig controls the verify flow.
type VerifierConfig struct {
	// TTLCeiling caps how long a decision may stay cached even when its
	// nearest policy time boundary is further away.
	TTLCeiling time.Duration `env:"COLLAB_PERMISSIONS_TTL_CEILING,default=1h"`
}

// NewVerifierConfigFromEnv loads verifier configuration from the environment.
func NewVerifierConfigFromEnv() *VerifierConfig {
	cfg := &VerifierConfig{}
	_ = envdecode.Decode(cfg)
	return cfg
}

// Verifier answers field-level access questions, caching evaluator decisions
// and failing closed when evaluation errors.
type Verifier struct {
	eval    Evaluator
	cache   *Cache
	ceiling time.Duration
	log     *slog.Logger
	now     func() time.Time
}

// NewVerifier wires an evaluator to a decision cache. A nil cfg loads
// configuration from the environment; a nil log uses slog.Default.
func NewVerifier(eval Evaluator, cache *Cache, cfg *VerifierConfig, log *slog.Logger) *Verifier {
	if cfg == nil {
		cfg = NewVerifierConfigFromEnv()
	}
	if log == nil {
		log = slog.Default()
	}
	ceiling := cfg.TTLCeiling
	if ceiling <= 0 {
		ceiling = time.Hour
	}
	return &Verifier{
		eval:    eval,
		cache:   cache,
		ceiling: ceiling,
		log:     log,
		now:     time.Now,
	}
}

// AllowedFields returns the fields id may touch on the given record for the
// given action. Admin identities bypass both cache and evaluator and get the
// "*" wildcard. Evaluation failures deny access and are never cached, so a
// recovered evaluator is consulted again on the next call.
func (v *Verifier) AllowedFields(ctx context.Context, id identity.Identity, collection, item string, action Action) []string {
	if id.Admin {
		return []string{"*"}
	}

	if fields, ok := v.cache.Get(id, collection, item, action); ok {
		return fields
	}

	gen := v.cache.Generation()
	decision, err := v.eval.Evaluate(ctx, id, collection, item, action)
	if err != nil {
		v.log.WarnContext(ctx, "permission evaluation failed, denying access",
			slog.String("collection", collection),
			slog.String("action", string(action)),
			slog.String("err", err.Error()),
		)
		return nil
	}

	v.cache.SetIfGeneration(gen, id, collection, item, action, decision.Fields, decision.Dependencies, v.ttlFor(decision.Boundaries))
	return decision.Fields
}

// ttlFor derives the cache lifetime from policy time boundaries: the distance
// to the nearest future boundary, capped by the ceiling. No future boundary
// means no expiry.
func (v *Verifier) ttlFor(boundaries []time.Time) time.Duration {
	now := v.now()
	var min time.Duration
	for _, b := range boundaries {
		d := b.Sub(now)
		if d <= 0 {
			continue
		}
		if min == 0 || d < min {
			min = d
		}
	}
	if min == 0 {
		return 0
	}
	if min > v.ceiling {
		return v.ceiling
	}
	return min
}
