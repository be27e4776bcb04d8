// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package correlation groups extracted events into trend clusters and
// decides when a cluster is credible enough to emit.
//
// The engine is single-threaded: events arrive on a channel, a sweep
// ticker ages clusters, and all cluster state lives inside the Serve
// goroutine. Emissions and authority updates leave through channels, so
// no lock is ever held across package boundaries.
package correlation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/xrash/smetrics"

	"github.com/tomtom215/trendwire/internal/authority"
	"github.com/tomtom215/trendwire/internal/logging"
	"github.com/tomtom215/trendwire/internal/metrics"
	"github.com/tomtom215/trendwire/internal/models"
)

// Config holds the correlation parameters.
type Config struct {
	MinSources        int           // sources required for emission (default 2)
	ClusterIdleTTL    time.Duration // idle age before a cluster is closed (default 10m)
	FastTrackHold     time.Duration // hold before a single high-authority source emits (default 60s)
	RetractionWindow  time.Duration // how far back a denial can reach an emitted cluster (default 10m)
	HighThreshold     float64       // authority score qualifying for fast-track (default 75)
	LocationSimilar   float64       // Jaro-Winkler floor when entities also overlap (default 0.88)
	LocationIdentical float64       // Jaro-Winkler floor on its own (default 0.95)
	BucketWidth       time.Duration // time bucket width (default 15m)
	BucketSlack       int           // adjacent buckets searched on each side (default 2)
	SweepInterval     time.Duration // aging tick (default 15s)
}

func (c *Config) defaults() {
	if c.MinSources <= 0 {
		c.MinSources = 2
	}
	if c.ClusterIdleTTL <= 0 {
		c.ClusterIdleTTL = 10 * time.Minute
	}
	if c.FastTrackHold <= 0 {
		c.FastTrackHold = 60 * time.Second
	}
	if c.RetractionWindow <= 0 {
		c.RetractionWindow = 10 * time.Minute
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = 75
	}
	if c.LocationSimilar <= 0 {
		c.LocationSimilar = 0.88
	}
	if c.LocationIdentical <= 0 {
		c.LocationIdentical = 0.95
	}
	if c.BucketWidth <= 0 {
		c.BucketWidth = 15 * time.Minute
	}
	if c.BucketSlack <= 0 {
		c.BucketSlack = 2
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
}

// Scores exposes the authority snapshot the engine ranks clusters with.
type Scores interface {
	Score(sourceID string) float64
}

// Persister is the store surface the engine needs.
type Persister interface {
	PutCluster(ctx context.Context, c *models.TrendCluster) error
	UpdateClusterState(ctx context.Context, clusterID string, state models.ClusterState) error
}

// Emission is a cluster handed to the sender. Retraction marks a
// supersession of an already-published cluster.
type Emission struct {
	Cluster    models.TrendCluster
	Retraction bool
}

// cluster is the engine's in-memory view: the shared model plus aging
// bookkeeping that never leaves this package.
type cluster struct {
	models.TrendCluster
	locTok    string
	buckets   map[int64]struct{} // time buckets covered by members
	kinds     map[models.EventKind]struct{}
	emittedAt time.Time // zero until first emission
}

// Engine owns the open-cluster set. Single writer; see package doc.
type Engine struct {
	cfg       Config
	scores    Scores
	store     Persister
	events    chan models.Event
	emissions chan Emission
	authority chan<- authority.Update

	open    map[string]*cluster // by cluster ID, State == ClusterOpen
	index   map[sigKey][]string // coarse signature -> open cluster IDs
	emitted map[string]*cluster // emitted, retained for the retraction window
	backlog []Emission          // overflow queue when the sender falls behind

	now func() time.Time
}

// New creates an Engine wired to the authority tracker's update channel.
func New(cfg Config, scores Scores, store Persister, updates chan<- authority.Update) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:       cfg,
		scores:    scores,
		store:     store,
		events:    make(chan models.Event, 128),
		emissions: make(chan Emission, 64),
		authority: updates,
		open:      make(map[string]*cluster),
		index:     make(map[sigKey][]string),
		emitted:   make(map[string]*cluster),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Events returns the input channel the pipeline feeds.
func (e *Engine) Events() chan<- models.Event {
	return e.events
}

// Emissions returns the output channel the sender consumes.
func (e *Engine) Emissions() <-chan Emission {
	return e.emissions
}

// Serve implements suture.Service: consume events and age clusters until
// the context is cancelled. Remaining eligible clusters are flushed on
// shutdown so a restart does not swallow a corroborated trend.
func (e *Engine) Serve(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case ev := <-e.events:
			e.flushBacklog()
			e.process(ctx, ev)
		case <-ticker.C:
			e.flushBacklog()
			e.sweep(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (e *Engine) String() string {
	return "correlation-engine"
}

// process routes one event: supersession first, then merge-or-open.
func (e *Engine) process(ctx context.Context, ev models.Event) {
	if isDenial(ev.Summary) {
		if e.supersede(ctx, ev) {
			return
		}
		// A denial with no matching cluster is just a statement.
	}

	if c := e.match(ev); c != nil {
		e.merge(ctx, c, ev)
		return
	}
	e.openCluster(ctx, ev)
}

// match finds the best open cluster for an event: exact signature hits
// from the index first, then a fuzzy pass over the remaining open
// clusters. Ties break on highest authority sum, then earliest first
// seen.
func (e *Engine) match(ev models.Event) *cluster {
	tok := locationToken(ev.Location)
	bucket := timeBucket(eventTime(ev), e.cfg.BucketWidth)

	seen := make(map[string]struct{})
	var candidates []*cluster

	if tok != "" {
		for _, kind := range e.lookupKinds(ev.Kind) {
			for b := bucket - int64(e.cfg.BucketSlack); b <= bucket+int64(e.cfg.BucketSlack); b++ {
				for _, id := range e.index[sigKey{kind: kind, locTok: tok, bucket: b}] {
					if _, dup := seen[id]; dup {
						continue
					}
					seen[id] = struct{}{}
					if c, ok := e.open[id]; ok {
						candidates = append(candidates, c)
					}
				}
			}
		}
	}

	// Fuzzy pass: similar-but-not-identical location tokens never hit the
	// index, so scan the rest of the open set.
	for id, c := range e.open {
		if _, dup := seen[id]; dup {
			continue
		}
		candidates = append(candidates, c)
	}

	var best *cluster
	for _, c := range candidates {
		if !e.matches(c, ev, tok, bucket) {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		if c.AuthoritySum > best.AuthoritySum ||
			(c.AuthoritySum == best.AuthoritySum && c.FirstSeen.Before(best.FirstSeen)) {
			best = c
		}
	}
	return best
}

// lookupKinds lists the cluster kinds an event's kind can join: its own,
// plus every specific kind for claim/statement events, plus
// claim/statement for specific events.
func (e *Engine) lookupKinds(k models.EventKind) []models.EventKind {
	if k.Specific() {
		return []models.EventKind{k, models.KindClaim, models.KindStatement}
	}
	return []models.EventKind{
		k, models.KindStrike, models.KindMovement, models.KindCasualty, models.KindOther,
	}
}

// matches evaluates the full match rule for one candidate cluster. The
// location gate is two-stage: token equality (or a similar-enough full
// string) is coarse placement; merging still needs an entity in common
// or a near-identical full location string. Towns sharing a lead token
// ("Beit Hanoun" / "Beit Lahia") must not collapse on the token alone.
func (e *Engine) matches(c *cluster, ev models.Event, tok string, bucket int64) bool {
	if !e.kindCompatible(c, ev.Kind) {
		return false
	}
	if !e.bucketNear(c, bucket) {
		return false
	}

	// No location on one side: entity overlap is the only signal left.
	if tok == "" || c.locTok == "" {
		return entityOverlap(c, ev.Entities)
	}

	sim := e.locationSimilarity(c, ev.Location)
	if tok != c.locTok && sim < e.cfg.LocationSimilar {
		return false
	}
	return entityOverlap(c, ev.Entities) || sim >= e.cfg.LocationIdentical
}

// locationSimilarity is the best Jaro-Winkler score between the event's
// location and any member's, both reduced to canonical form first so an
// administrative qualifier does not dilute the comparison.
func (e *Engine) locationSimilarity(c *cluster, location string) float64 {
	loc := canonicalLocation(location)
	if loc == "" {
		return 0
	}
	var best float64
	for _, m := range c.Members {
		other := canonicalLocation(m.Location)
		if other == "" {
			continue
		}
		if s := smetrics.JaroWinkler(loc, other, 0.7, 4); s > best {
			best = s
		}
	}
	return best
}

// kindCompatible: same kind, or claim/statement paired with a specific
// kind in either direction.
func (e *Engine) kindCompatible(c *cluster, k models.EventKind) bool {
	if _, ok := c.kinds[k]; ok {
		return true
	}
	if !k.Specific() {
		for ck := range c.kinds {
			if ck.Specific() {
				return true
			}
		}
		return false
	}
	_, claim := c.kinds[models.KindClaim]
	_, stmt := c.kinds[models.KindStatement]
	return claim || stmt
}

func (e *Engine) bucketNear(c *cluster, bucket int64) bool {
	slack := int64(e.cfg.BucketSlack)
	for b := range c.buckets {
		if b >= bucket-slack && b <= bucket+slack {
			return true
		}
	}
	return false
}

func entityOverlap(c *cluster, entities []string) bool {
	if len(entities) == 0 {
		return false
	}
	have := make(map[string]struct{})
	for _, m := range c.Members {
		for _, ent := range m.Entities {
			have[ent] = struct{}{}
		}
	}
	for _, ent := range entities {
		if _, ok := have[ent]; ok {
			return true
		}
	}
	return false
}

// merge adds an event to a cluster, persists the new membership, and runs
// the eligibility check.
func (e *Engine) merge(ctx context.Context, c *cluster, ev models.Event) {
	ev.ClusterID = c.ClusterID
	if _, known := c.Sources[ev.SourceID]; !known {
		c.Sources[ev.SourceID] = struct{}{}
		c.AuthoritySum += e.scores.Score(ev.SourceID)
	}
	c.SourceClasses[ev.SourceClass] = struct{}{}
	c.Members = append(c.Members, ev)
	c.kinds[ev.Kind] = struct{}{}
	c.addIndex(e, ev)
	c.LastUpdated = e.now()

	if err := e.store.PutCluster(ctx, &c.TrendCluster); err != nil {
		logging.Error().Err(err).Str("cluster", c.ClusterID).Msg("Failed to persist cluster merge")
	}
	logging.Debug().
		Str("cluster", c.ClusterID).
		Str("source", ev.SourceID).
		Int("members", len(c.Members)).
		Int("sources", len(c.Sources)).
		Msg("Event merged into cluster")

	if len(c.Sources) >= e.cfg.MinSources {
		e.emit(ctx, c, false)
	}
}

// openCluster starts a fresh single-member cluster.
func (e *Engine) openCluster(ctx context.Context, ev models.Event) {
	now := e.now()
	c := &cluster{
		TrendCluster: models.TrendCluster{
			ClusterID:     uuid.NewString(),
			Sources:       map[string]struct{}{ev.SourceID: {}},
			SourceClasses: map[models.SourceClass]struct{}{ev.SourceClass: {}},
			FirstSeen:     now,
			LastUpdated:   now,
			State:         models.ClusterOpen,
			AuthoritySum:  e.scores.Score(ev.SourceID),
		},
		locTok:  locationToken(ev.Location),
		buckets: make(map[int64]struct{}),
		kinds:   map[models.EventKind]struct{}{ev.Kind: {}},
	}
	ev.ClusterID = c.ClusterID
	c.Members = append(c.Members, ev)
	c.addIndex(e, ev)

	e.open[c.ClusterID] = c
	metrics.ClustersOpened.Inc()

	if err := e.store.PutCluster(ctx, &c.TrendCluster); err != nil {
		logging.Error().Err(err).Str("cluster", c.ClusterID).Msg("Failed to persist new cluster")
	}
	logging.Debug().
		Str("cluster", c.ClusterID).
		Str("kind", string(ev.Kind)).
		Str("location", c.locTok).
		Msg("Cluster opened")
}

// addIndex registers the event's coarse signature for this cluster.
func (c *cluster) addIndex(e *Engine, ev models.Event) {
	b := timeBucket(eventTime(ev), e.cfg.BucketWidth)
	c.buckets[b] = struct{}{}
	tok := locationToken(ev.Location)
	if tok == "" {
		tok = c.locTok
	}
	if c.locTok == "" {
		c.locTok = tok
	}
	if tok == "" {
		return
	}
	key := sigKey{kind: ev.Kind, locTok: tok, bucket: b}
	for _, id := range e.index[key] {
		if id == c.ClusterID {
			return
		}
	}
	e.index[key] = append(e.index[key], c.ClusterID)
}

// emit publishes a cluster: state transition, authority boost, delivery
// to the sender. Re-emission of an already-emitted cluster is a no-op;
// monotonicity is the sender's contract.
func (e *Engine) emit(ctx context.Context, c *cluster, closing bool) {
	if c.State != models.ClusterOpen {
		return
	}
	c.State = models.ClusterEmitted
	c.emittedAt = e.now()
	e.dropOpen(c)
	e.emitted[c.ClusterID] = c

	if err := e.store.UpdateClusterState(ctx, c.ClusterID, models.ClusterEmitted); err != nil {
		logging.Error().Err(err).Str("cluster", c.ClusterID).Msg("Failed to persist emission")
	}
	e.sendAuthority(authority.Update{Kind: authority.ClusterEmitted, Sources: c.SourceIDs()})

	metrics.ClustersEmitted.Inc()
	logging.Info().
		Str("cluster", c.ClusterID).
		Int("sources", len(c.Sources)).
		Bool("cross_class", c.CrossClass()).
		Bool("on_close", closing).
		Msg("Cluster emitted")

	e.deliver(Emission{Cluster: snapshot(c), Retraction: false})
}

// supersede cancels the best-matching open or recently emitted cluster.
// Returns false when the denial matches nothing.
func (e *Engine) supersede(ctx context.Context, ev models.Event) bool {
	tok := locationToken(ev.Location)
	bucket := timeBucket(eventTime(ev), e.cfg.BucketWidth)

	target := e.match(ev)
	if target == nil {
		// Emitted clusters are still reachable within the retraction
		// window, including by a source walking back its own report.
		now := e.now()
		for _, c := range e.emitted {
			if now.Sub(c.emittedAt) > e.cfg.RetractionWindow {
				continue
			}
			_, ownSource := c.Sources[ev.SourceID]
			if e.matches(c, ev, tok, bucket) || (ownSource && tok != "" && tok == c.locTok) {
				if target == nil || c.emittedAt.After(target.emittedAt) {
					target = c
				}
			}
		}
	}
	if target == nil {
		return false
	}

	wasEmitted := target.State == models.ClusterEmitted
	target.State = models.ClusterSuperseded
	e.dropOpen(target)
	delete(e.emitted, target.ClusterID)

	if err := e.store.UpdateClusterState(ctx, target.ClusterID, models.ClusterSuperseded); err != nil {
		logging.Error().Err(err).Str("cluster", target.ClusterID).Msg("Failed to persist supersession")
	}
	e.sendAuthority(authority.Update{Kind: authority.ClusterSuperseded, Sources: target.SourceIDs()})

	metrics.ClustersSuperseded.Inc()
	logging.Info().
		Str("cluster", target.ClusterID).
		Str("denied_by", ev.SourceID).
		Bool("was_emitted", wasEmitted).
		Msg("Cluster superseded")

	if wasEmitted {
		e.deliver(Emission{Cluster: snapshot(target), Retraction: true})
	}
	return true
}

// sweep ages the cluster set: fast-track emission for a lone
// high-authority source, idle closure, retraction-window expiry.
func (e *Engine) sweep(ctx context.Context) {
	now := e.now()

	for _, c := range e.open {
		age := now.Sub(c.LastUpdated)

		if len(c.Sources) == 1 && now.Sub(c.FirstSeen) >= e.cfg.FastTrackHold {
			if e.scores.Score(c.SourceIDs()[0]) >= e.cfg.HighThreshold {
				e.emit(ctx, c, false)
				continue
			}
		}

		if age >= e.cfg.ClusterIdleTTL {
			if len(c.Sources) >= e.cfg.MinSources {
				e.emit(ctx, c, true)
			} else {
				e.discard(c)
			}
		}
	}

	for id, c := range e.emitted {
		if now.Sub(c.emittedAt) > e.cfg.RetractionWindow {
			delete(e.emitted, id)
		}
	}
}

// discard closes an idle cluster without emission. The stored rows stay
// behind for audit; only the in-memory state is released.
func (e *Engine) discard(c *cluster) {
	e.dropOpen(c)
	metrics.ClustersDiscarded.Inc()
	logging.Debug().
		Str("cluster", c.ClusterID).
		Int("members", len(c.Members)).
		Msg("Idle cluster discarded")
}

// flushPushTimeout bounds how long the shutdown flush waits for the
// sender to take the emission backlog.
const flushPushTimeout = 10 * time.Second

// flush emits every still-eligible open cluster during shutdown, then
// hands the backlog to the sender's drain with a bounded wait.
func (e *Engine) flush(ctx context.Context) {
	for _, c := range e.open {
		if len(c.Sources) >= e.cfg.MinSources {
			e.emit(ctx, c, true)
		}
	}
	if len(e.backlog) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, flushPushTimeout)
	defer cancel()
	for len(e.backlog) > 0 {
		select {
		case e.emissions <- e.backlog[0]:
			e.backlog = e.backlog[1:]
		case <-ctx.Done():
			logging.Warn().
				Int("remaining", len(e.backlog)).
				Msg("Shutdown flush could not hand off all emissions")
			return
		}
	}
}

// dropOpen removes a cluster from the open set and its index entries.
func (e *Engine) dropOpen(c *cluster) {
	delete(e.open, c.ClusterID)
	for _, ev := range c.Members {
		tok := locationToken(ev.Location)
		if tok == "" {
			tok = c.locTok
		}
		if tok == "" {
			continue
		}
		key := sigKey{kind: ev.Kind, locTok: tok, bucket: timeBucket(eventTime(ev), e.cfg.BucketWidth)}
		ids := e.index[key]
		for i, id := range ids {
			if id == c.ClusterID {
				e.index[key] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(e.index[key]) == 0 {
			delete(e.index, key)
		}
	}
}

// deliver hands an emission to the sender without blocking the engine
// loop. The emissions channel is sized for bursts; when the sender falls
// behind, the overflow joins an in-memory backlog that re-drains
// oldest-first on every loop turn. A cluster marked Emitted is never
// dropped.
func (e *Engine) deliver(em Emission) {
	e.flushBacklog()
	if len(e.backlog) == 0 {
		select {
		case e.emissions <- em:
			return
		default:
		}
	}
	e.backlog = append(e.backlog, em)
	logging.Warn().
		Str("cluster", em.Cluster.ClusterID).
		Int("backlog", len(e.backlog)).
		Msg("Emission channel full, emission queued")
}

// flushBacklog moves queued emissions into the channel, oldest first,
// stopping at the first refusal.
func (e *Engine) flushBacklog() {
	for len(e.backlog) > 0 {
		select {
		case e.emissions <- e.backlog[0]:
			e.backlog = e.backlog[1:]
		default:
			return
		}
	}
}

// sendAuthority forwards an update, dropping on a wedged tracker rather
// than stalling correlation.
func (e *Engine) sendAuthority(u authority.Update) {
	select {
	case e.authority <- u:
	default:
		logging.Warn().Msg("Authority update channel full, dropping update")
	}
}

// snapshot deep-copies the shared cluster state for delivery outside the
// engine goroutine.
func snapshot(c *cluster) models.TrendCluster {
	out := c.TrendCluster
	out.Members = append([]models.Event(nil), c.Members...)
	out.Sources = make(map[string]struct{}, len(c.Sources))
	for s := range c.Sources {
		out.Sources[s] = struct{}{}
	}
	out.SourceClasses = make(map[models.SourceClass]struct{}, len(c.SourceClasses))
	for sc := range c.SourceClasses {
		out.SourceClasses[sc] = struct{}{}
	}
	return out
}
