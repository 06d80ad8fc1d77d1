package updater

import (
	"context"
	"errors"
	"log"
	"time"

	"safelink/rules"
	"safelink/store"
)

// Compiler is the part of rules.Compiler the updater drives.
type Compiler interface {
	NeedsRefresh(ctx context.Context) bool
	UpdateFromRegistry(ctx context.Context, force bool) (*rules.UpdateResult, error)
	Reload(ctx context.Context) error
}

// Updater keeps registry-derived rules fresh in the background and reloads
// the rule set when another writer changes a persisted list.
type Updater struct {
	compiler Compiler
	store    store.Store
	interval time.Duration
	auto     bool
}

// New creates an Updater. interval is how often freshness is checked; auto
// enables registry fetches at all.
func New(c Compiler, st store.Store, interval time.Duration, auto bool) *Updater {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Updater{
		compiler: c,
		store:    st,
		interval: interval,
		auto:     auto,
	}
}

// Run blocks until ctx is done.
func (u *Updater) Run(ctx context.Context) {
	changes, cancel := u.store.Watch(rules.WatchedKeys()...)
	defer cancel()

	var tick <-chan time.Time
	if u.auto {
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()
		tick = ticker.C
		log.Printf("Updater started. Freshness check every %v", u.interval)
		u.refresh(ctx)
	}

	for {
		select {
		case <-tick:
			u.refresh(ctx)
		case _, ok := <-changes:
			if !ok {
				return
			}
			// Coalesce a burst of changes into one reload.
			drain(changes)
			if err := u.compiler.Reload(ctx); err != nil {
				log.Printf("Reload after store change failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// refresh fetches the registry if the freshness predicate says so.
func (u *Updater) refresh(ctx context.Context) {
	if !u.compiler.NeedsRefresh(ctx) {
		return
	}
	log.Println("Updater triggered...")
	res, err := u.compiler.UpdateFromRegistry(ctx, false)
	switch {
	case errors.Is(err, rules.ErrRateLimited):
		log.Printf("Registry update skipped: %v", err)
	case err != nil:
		log.Printf("Registry update failed, keeping cached rules: %v", err)
	default:
		log.Printf("Update complete: %d phrases, %d URLs. Next check in %v", res.TotalPhrases, res.TotalURLs, u.interval)
	}
}

func drain(ch <-chan store.Change) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
