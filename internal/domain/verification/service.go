package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/medportal/portal/internal/platform/apperr"
	"github.com/medportal/portal/internal/platform/cache"
	"github.com/medportal/portal/internal/platform/registry"
)

const (
	DefaultTTL         = 365 * 24 * time.Hour
	DefaultHotCacheTTL = 10 * time.Minute
)

type GatewayConfig struct {
	// TTL is how long a verification outcome stays valid in the store.
	TTL time.Duration
	// HotCacheTTL caps how long an entry is kept in the hot cache.
	HotCacheTTL time.Duration
}

// Gateway answers "is this credential real?" from the verification cache,
// falling back to the external registries on a miss.
type Gateway struct {
	repo       Repository
	registries map[IdentifierType]registry.Client
	hot        cache.Store
	ttl        time.Duration
	hotTTL     time.Duration
	group      singleflight.Group
	logger     zerolog.Logger
	now        func() time.Time
}

// NewGateway builds a Gateway. hot may be nil, in which case only the
// database store is consulted.
func NewGateway(repo Repository, registries map[IdentifierType]registry.Client, hot cache.Store, cfg GatewayConfig, logger zerolog.Logger) *Gateway {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.HotCacheTTL <= 0 {
		cfg.HotCacheTTL = DefaultHotCacheTTL
	}
	return &Gateway{
		repo:       repo,
		registries: registries,
		hot:        hot,
		ttl:        cfg.TTL,
		hotTTL:     cfg.HotCacheTTL,
		logger:     logger.With().Str("component", "verification").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func hotKey(t IdentifierType, identifier string) string {
	return "verification:" + string(t) + ":" + identifier
}

func validType(t IdentifierType) error {
	if t != TypeDoctorLicense && t != TypeHospitalID {
		return apperr.Validation("unknown identifier type %q", t)
	}
	return nil
}

// Verify returns the verification outcome for identifier. A registry miss or
// failure is not an error: the entry lands in manual review and the result
// carries a pending message.
func (g *Gateway) Verify(ctx context.Context, t IdentifierType, raw string) (*Result, error) {
	if err := validType(t); err != nil {
		return nil, err
	}
	id, err := NormalizeIdentifier(raw)
	if err != nil {
		return nil, err
	}

	// The shared lookup serves every caller waiting on this identifier, so it
	// is detached from the cancellation of whichever caller started it.
	shared := context.WithoutCancel(ctx)
	ch := g.group.DoChan(hotKey(t, id), func() (interface{}, error) {
		return g.verify(shared, t, id)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return copyResult(r.Val.(*Result)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func copyResult(r *Result) *Result {
	c := *r
	if r.Details != nil {
		d := *r.Details
		c.Details = &d
	}
	if r.CachedAt != nil {
		at := *r.CachedAt
		c.CachedAt = &at
	}
	return &c
}

func (g *Gateway) verify(ctx context.Context, t IdentifierType, id string) (*Result, error) {
	fresh, existing := g.cached(ctx, t, id)
	if fresh != nil {
		return newResult(fresh, true), nil
	}
	e := g.resolve(ctx, t, id, existing)
	return g.persist(ctx, e, existing == nil)
}

// cached returns the unexpired entry for (t, id) when there is one. When the
// store holds only an expired entry it is returned as existing so the refresh
// can update it in place. Read failures are logged and treated as a miss.
func (g *Gateway) cached(ctx context.Context, t IdentifierType, id string) (fresh, existing *Entry) {
	now := g.now()
	if e := g.getHot(ctx, t, id); e != nil && !e.ExpiredAt(now) {
		return e, nil
	}

	e, err := g.repo.Get(ctx, t, id)
	if err != nil {
		if !errors.Is(err, ErrEntryNotFound) {
			g.logger.Warn().Err(err).Str("identifier_type", string(t)).Msg("verification store lookup failed, treating as miss")
		}
		return nil, nil
	}
	if e.ExpiredAt(now) {
		return nil, e
	}
	g.setHot(ctx, e)
	return e, nil
}

// resolve asks the registry for id and builds the entry to persist.
func (g *Gateway) resolve(ctx context.Context, t IdentifierType, id string, existing *Entry) *Entry {
	now := g.now()

	var e *Entry
	if existing != nil {
		e = existing.clone()
	} else {
		e = &Entry{IdentifierType: t, Identifier: id}
	}

	attempt := Attempt{Timestamp: now}
	var match *registry.Match

	client := g.registries[t]
	if client == nil {
		attempt.Channel = "none"
		attempt.Error = "no registry configured"
	} else {
		attempt.Channel = client.Channel()
		attempt.Attempted = true
		m, err := client.Lookup(ctx, id)
		switch {
		case err == nil && m != nil && m.Valid:
			match = m
			attempt.Success = true
		case errors.Is(err, registry.ErrNotConfigured):
			attempt.Attempted = false
			attempt.Error = err.Error()
		case errors.Is(err, registry.ErrNotFound):
			attempt.Error = err.Error()
		case err != nil:
			g.logger.Warn().Err(err).Str("channel", attempt.Channel).Str("identifier_type", string(t)).
				Msg("registry lookup failed")
			attempt.Error = err.Error()
		default:
			attempt.Error = "registry returned no valid record"
		}
	}

	e.Attempts = append(e.Attempts, attempt)
	e.ExpiresAt = now.Add(g.ttl)
	e.AdminReview = nil

	if match != nil {
		e.Status = StatusVerified
		e.Source = SourceRegistryAPI
		e.Details = detailsFromMatch(match)
		e.AlternateIdentifiers = match.AlternateIdentifiers
		e.RawPayload = match.RawPayload
		return e
	}

	e.Status = StatusManualReview
	e.Source = ""
	e.Details = &Details{Valid: false}
	e.RawPayload = nil
	return e
}

func detailsFromMatch(m *registry.Match) *Details {
	return &Details{
		Valid:              true,
		Name:               m.Name,
		CredentialType:     m.CredentialType,
		Jurisdiction:       m.Jurisdiction,
		RegistrationStatus: m.StatusText,
		RegistrationNumber: m.RegistrationNumber,
		Extra:              m.Extra,
	}
}

// persist writes e. Losing a create race or a CAS update to another writer is
// resolved by reading back the winner's entry.
func (g *Gateway) persist(ctx context.Context, e *Entry, create bool) (*Result, error) {
	var err error
	if create {
		err = g.repo.Create(ctx, e)
	} else {
		err = g.repo.Update(ctx, e)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrStaleVersion):
		winner, rerr := g.repo.Get(ctx, e.IdentifierType, e.Identifier)
		if rerr != nil {
			return nil, fmt.Errorf("read concurrent verification: %w", rerr)
		}
		g.setHot(ctx, winner)
		return newResult(winner, true), nil
	default:
		return nil, fmt.Errorf("persist verification: %w", err)
	}

	g.setHot(ctx, e)
	g.logger.Info().
		Str("identifier_type", string(e.IdentifierType)).
		Str("status", string(e.Status)).
		Str("entry_id", e.ID.String()).
		Msg("verification resolved")
	return newResult(e, false), nil
}

// Lookup returns the cached outcome without contacting any registry.
func (g *Gateway) Lookup(ctx context.Context, t IdentifierType, raw string) (*Result, error) {
	if err := validType(t); err != nil {
		return nil, err
	}
	id, err := NormalizeIdentifier(raw)
	if err != nil {
		return nil, err
	}
	now := g.now()
	if e := g.getHot(ctx, t, id); e != nil && !e.ExpiredAt(now) {
		return newResult(e, true), nil
	}
	e, err := g.repo.Get(ctx, t, id)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, apperr.NotFound("no verification for %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup verification: %w", err)
	}
	if e.ExpiredAt(now) {
		return nil, apperr.NotFound("verification for %s has expired", id)
	}
	return newResult(e, true), nil
}

func (g *Gateway) getHot(ctx context.Context, t IdentifierType, id string) *Entry {
	if g.hot == nil {
		return nil
	}
	data, ok, err := g.hot.Get(ctx, hotKey(t, id))
	if err != nil {
		g.logger.Warn().Err(err).Msg("hot cache read failed")
		return nil
	}
	if !ok {
		return nil
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		g.logger.Warn().Err(err).Msg("hot cache entry is corrupt")
		return nil
	}
	return &e
}

func (g *Gateway) setHot(ctx context.Context, e *Entry) {
	if g.hot == nil {
		return
	}
	ttl := g.hotTTL
	if rem := e.ExpiresAt.Sub(g.now()); rem < ttl {
		ttl = rem
	}
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := g.hot.Set(ctx, hotKey(e.IdentifierType, e.Identifier), data, ttl); err != nil {
		g.logger.Warn().Err(err).Msg("hot cache write failed")
	}
}
