package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"minewatch/internal/schema"
	"minewatch/internal/storage"
)

// TagBuiltin marks rules seeded from the builtin catalog.
const TagBuiltin = "builtin"

// builtinPools are well-known cryptomining pool domains.
var builtinPools = []string{
	"pool.minexmr.com",
	"pool.supportxmr.com",
	"pool.hashvault.pro",
	"xmrpool.eu",
	"monero.hashvault.pro",
	"minexmr.com",
	"pool.cryptonote.social",
	"pool.nimiq.com",
	"ethpool.org",
	"ethermine.org",
	"f2pool.com",
	"nanopool.org",
}

// builtinUserAgents are user-agent substrings of common miner software.
var builtinUserAgents = []string{
	"xmrig",
	"xmr-stak",
	"cpuminer",
	"minerd",
	"ccminer",
	"cudaminer",
	"ethminer",
	"claymore",
	"phoenixminer",
	"nbminer",
	"trex",
	"lolminer",
	"teamredminer",
}

// SeedBuiltinRules inserts the builtin cryptomining IOC catalog. Seeding is
// idempotent: if any builtin-tagged rule already exists, nothing is inserted.
func SeedBuiltinRules(ctx context.Context, store storage.RuleStore, logger *slog.Logger) error {
	existing, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("rules: list existing: %w", err)
	}
	for i := range existing {
		if existing[i].HasTag(TagBuiltin) {
			logger.Debug("builtin rules already seeded")
			return nil
		}
	}

	seeded := 0
	for _, pattern := range builtinPools {
		if _, err := store.Create(ctx, schema.Rule{
			ID:          uuid.New(),
			Type:        schema.RuleTypeDomainIOC,
			Pattern:     pattern,
			Description: "known cryptomining pool domain",
			Enabled:     true,
			Tags:        []string{TagBuiltin, "mining-pool"},
		}); err != nil {
			return fmt.Errorf("rules: seed pool %q: %w", pattern, err)
		}
		seeded++
	}
	for _, pattern := range builtinUserAgents {
		if _, err := store.Create(ctx, schema.Rule{
			ID:          uuid.New(),
			Type:        schema.RuleTypeDomainIOC,
			Pattern:     pattern,
			Description: "known miner user agent",
			Enabled:     true,
			Tags:        []string{TagBuiltin, "miner-user-agent"},
		}); err != nil {
			return fmt.Errorf("rules: seed user agent %q: %w", pattern, err)
		}
		seeded++
	}

	logger.Info("builtin rules seeded", "count", seeded)
	return nil
}
