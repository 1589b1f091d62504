// Package hub owns the set of mirrored entities: it creates their clients,
// runs their refresh loops and republishes their updates on an EventBus.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hass-sync/internal/clock"
	"hass-sync/internal/entity"
	"hass-sync/internal/hass"
	"hass-sync/internal/store"
)

// MinRefreshInterval is the shortest polling interval accepted for an entity.
const MinRefreshInterval = time.Second

// Number of entities loaded concurrently during Start.
const initialFetchLimit = 4

var (
	ErrNotTracked     = errors.New("entity not tracked")
	ErrAlreadyTracked = errors.New("entity already tracked")
	// ErrInvalidTracked wraps every validation failure of Track and Seed.
	ErrInvalidTracked = errors.New("invalid tracked entity")
)

// Upstream is the Home Assistant API the hub mirrors.
type Upstream interface {
	entity.Source
	Ping(ctx context.Context) (bool, error)
	Config(ctx context.Context) (*hass.Config, error)
	BaseURL() string
}

// Config holds the defaults applied to every tracked entity.
type Config struct {
	RefreshInterval time.Duration
	HistorySpan     time.Duration
	MaxHistory      int
	SyntheticData   bool
	// Clock drives the refresh loops; nil means the wall clock.
	Clock clock.Clock
}

type member struct {
	client *entity.Client
	unsub  func()
}

// Hub manages the tracked entity clients.
type Hub struct {
	src    Upstream
	store  store.Store
	events *EventBus
	clock  clock.Clock
	logger *slog.Logger
	config Config

	mu       sync.RWMutex
	members  map[string]*member
	started  bool
	stopping bool // set by Stop; no loop starts afterwards

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a hub. Entities are loaded from st by Start.
func New(src Upstream, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Hub {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = entity.DefaultRefreshInterval
	}
	if cfg.HistorySpan <= 0 {
		cfg.HistorySpan = entity.DefaultHistorySpan
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		src:     src,
		store:   st,
		events:  events,
		clock:   clk,
		logger:  logger.With("component", "hub"),
		config:  cfg,
		members: make(map[string]*member),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Context returns the hub's context, which is cancelled on Stop().
func (h *Hub) Context() context.Context { return h.ctx }

// Events returns the event bus.
func (h *Hub) Events() *EventBus { return h.events }

// Store returns the store.
func (h *Hub) Store() store.Store { return h.store }

// Seed makes sure every entry is in the store. Settings from entries win over
// stored ones; the original AddedAt is kept.
func (h *Hub) Seed(entries []store.Tracked) error {
	for _, e := range entries {
		if err := validateTracked(e); err != nil {
			return err
		}
		err := h.store.UpdateTracked(e.EntityID, func(t *store.Tracked) error {
			t.Kind = e.Kind
			t.RefreshInterval = e.RefreshInterval
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			if e.AddedAt.IsZero() {
				e.AddedAt = h.clock.Now()
			}
			err = h.store.SaveTracked(&e)
		}
		if err != nil {
			return fmt.Errorf("seed %s: %w", e.EntityID, err)
		}
	}
	return nil
}

// Start restores the stored entities, loads their history and current state,
// then starts one refresh loop per entity. Upstream failures during the
// initial load are logged, not returned.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return errors.New("hub already started")
	}
	h.started = true
	h.mu.Unlock()

	h.probeUpstream(ctx)

	list, err := h.store.ListTracked()
	if err != nil {
		return fmt.Errorf("list tracked: %w", err)
	}
	clients := make([]*entity.Client, 0, len(list))
	for _, t := range list {
		c, err := h.add(*t)
		if err != nil {
			h.logger.Error("restore entity", "entity", t.EntityID, "err", err)
			continue
		}
		clients = append(clients, c)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(initialFetchLimit)
	for _, c := range clients {
		g.Go(func() error {
			h.initialLoad(gctx, c)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, c := range clients {
		h.runLoop(c)
	}
	h.logger.Info("hub started", "entities", len(clients))
	h.events.Emit(Event{Type: EventHubState, Data: "started"})
	return nil
}

// Stop cancels every refresh loop and waits for them to return.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopping = true
	h.cancel()
	for _, m := range h.members {
		m.client.Stop()
	}
	h.mu.Unlock()
	h.wg.Wait()
	h.events.Emit(Event{Type: EventHubState, Data: "stopped"})
}

// Track starts mirroring an entity and records it in the store. When the hub
// is running the entity is loaded and its loop started before Track returns.
func (h *Hub) Track(ctx context.Context, t store.Tracked) (*entity.Client, error) {
	if err := validateTracked(t); err != nil {
		return nil, err
	}
	if t.AddedAt.IsZero() {
		t.AddedAt = h.clock.Now()
	}

	c, err := h.add(t)
	if err != nil {
		return nil, err
	}
	if err := h.store.SaveTracked(&t); err != nil {
		h.remove(t.EntityID)
		return nil, fmt.Errorf("save %s: %w", t.EntityID, err)
	}

	h.logger.Info("entity tracked", "entity", t.EntityID, "kind", c.Kind(), "interval", c.RefreshInterval())
	h.events.Emit(Event{Type: EventEntityTracked, Data: EntityEvent{
		EntityID: t.EntityID,
		Kind:     c.Kind(),
		At:       h.clock.Now(),
	}})

	h.mu.RLock()
	running := h.started && !h.stopping
	h.mu.RUnlock()
	if running {
		h.initialLoad(ctx, c)
		h.runLoop(c)
	}
	return c, nil
}

// Untrack stops the entity's loop and removes it from the store.
func (h *Hub) Untrack(entityID string) error {
	m := h.remove(entityID)
	if m == nil {
		return fmt.Errorf("%s: %w", entityID, ErrNotTracked)
	}
	if err := h.store.DeleteTracked(entityID); err != nil {
		return fmt.Errorf("delete %s: %w", entityID, err)
	}
	h.logger.Info("entity untracked", "entity", entityID)
	h.events.Emit(Event{Type: EventEntityUntracked, Data: EntityEvent{EntityID: entityID, Kind: m.client.Kind(), At: h.clock.Now()}})
	return nil
}

// Get returns the client for entityID.
func (h *Hub) Get(entityID string) (*entity.Client, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.members[entityID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", entityID, ErrNotTracked)
	}
	return m.client, nil
}

// List returns all clients ordered by entity id.
func (h *Hub) List() []*entity.Client {
	h.mu.RLock()
	out := make([]*entity.Client, 0, len(h.members))
	for _, m := range h.members {
		out = append(out, m.client)
	}
	h.mu.RUnlock()
	slices.SortFunc(out, func(a, b *entity.Client) int {
		return strings.Compare(a.EntityID(), b.EntityID())
	})
	return out
}

// Len returns the number of tracked entities.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Refresh fetches the live state of one entity now.
func (h *Hub) Refresh(ctx context.Context, entityID string) error {
	c, err := h.Get(entityID)
	if err != nil {
		return err
	}
	return c.FetchLiveData(ctx)
}

// RefreshHistory reloads the history of one entity. A zero span uses the
// entity's default lookback.
func (h *Hub) RefreshHistory(ctx context.Context, entityID string, span time.Duration) error {
	c, err := h.Get(entityID)
	if err != nil {
		return err
	}
	if span <= 0 {
		return c.FetchDefaultHistory(ctx)
	}
	return c.FetchHistory(ctx, span)
}

// Command calls domain.action on an entity. An empty domain selects the
// entity kind's command domain.
func (h *Hub) Command(ctx context.Context, entityID, domain, action string, data map[string]any) error {
	c, err := h.Get(entityID)
	if err != nil {
		return err
	}
	if action == "" {
		return errors.New("action must not be empty")
	}
	if domain == "" {
		domain = c.CommandDomain()
		if domain == "" {
			return fmt.Errorf("%s (%s): %w", entityID, c.Kind(), entity.ErrNotActionable)
		}
	}
	return c.SendCommand(ctx, domain, action, data)
}

// UpstreamStatus is the result of probing Home Assistant.
type UpstreamStatus struct {
	BaseURL string       `json:"base_url"`
	Running bool         `json:"running"`
	Config  *hass.Config `json:"config,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Upstream probes the Home Assistant API and reads its configuration.
func (h *Hub) Upstream(ctx context.Context) UpstreamStatus {
	st := UpstreamStatus{BaseURL: h.src.BaseURL()}
	ok, err := h.src.Ping(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Running = ok
	cfg, err := h.src.Config(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Config = cfg
	return st
}

func (h *Hub) probeUpstream(ctx context.Context) {
	st := h.Upstream(ctx)
	if st.Error != "" || !st.Running {
		h.logger.Warn("home assistant not reachable", "url", st.BaseURL, "err", st.Error)
		return
	}
	h.logger.Info("home assistant reachable", "url", st.BaseURL, "version", st.Config.Version, "location", st.Config.LocationName)
	if err := h.store.SaveUpstream(&store.Upstream{
		BaseURL:      st.BaseURL,
		Version:      st.Config.Version,
		LocationName: st.Config.LocationName,
		TimeZone:     st.Config.TimeZone,
		CheckedAt:    h.clock.Now(),
	}); err != nil {
		h.logger.Error("save upstream info", "err", err)
	}
}

// add creates a client for t and registers it.
func (h *Hub) add(t store.Tracked) (*entity.Client, error) {
	kind := entity.KindFromEntityID(t.EntityID)
	if t.Kind != "" {
		k, err := entity.ParseKind(t.Kind)
		if err != nil {
			return nil, err
		}
		kind = k
	}
	interval := t.RefreshInterval
	if interval == 0 {
		interval = h.config.RefreshInterval
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[t.EntityID]; ok {
		return nil, fmt.Errorf("%s: %w", t.EntityID, ErrAlreadyTracked)
	}
	c, err := entity.NewClient(t.EntityID, h.src,
		entity.WithKind(kind),
		entity.WithRefreshInterval(interval),
		entity.WithClock(h.clock),
		entity.WithLogger(h.logger),
		entity.WithSyntheticData(h.config.SyntheticData),
		entity.WithHistorySpan(h.config.HistorySpan),
		entity.WithMaxHistory(h.config.MaxHistory),
	)
	if err != nil {
		return nil, err
	}
	unsub := c.Subscribe(func(u entity.Update) {
		h.events.Emit(eventFromUpdate(u, h.clock.Now()))
	})
	h.members[t.EntityID] = &member{client: c, unsub: unsub}
	return c, nil
}

// remove unregisters and stops a client. Returns nil if it was not tracked.
func (h *Hub) remove(entityID string) *member {
	h.mu.Lock()
	m, ok := h.members[entityID]
	delete(h.members, entityID)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	m.client.Stop()
	m.unsub()
	return m
}

// initialLoad fetches history first so the live fetch deduplicates against it.
func (h *Hub) initialLoad(ctx context.Context, c *entity.Client) {
	if err := c.FetchDefaultHistory(ctx); err != nil {
		h.logger.Warn("initial history", "entity", c.EntityID(), "err", err)
	}
	if err := c.FetchLiveData(ctx); err != nil {
		h.logger.Warn("initial state", "entity", c.EntityID(), "err", err)
	}
}

// runLoop starts c's refresh loop unless Stop has been called. The check and
// wg.Add happen under h.mu so Stop never waits on a group that is still growing.
func (h *Hub) runLoop(c *entity.Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopping {
		return false
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		err := c.Run(h.ctx)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, entity.ErrStopped) {
			return
		}
		h.logger.Error("refresh loop", "entity", c.EntityID(), "err", err)
	}()
	return true
}

func validateTracked(t store.Tracked) error {
	if err := checkTracked(t); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTracked, err)
	}
	return nil
}

func checkTracked(t store.Tracked) error {
	if strings.TrimSpace(t.EntityID) == "" {
		return entity.ErrInvalidEntity
	}
	if !strings.Contains(t.EntityID, ".") {
		return fmt.Errorf("entity id %q: want <domain>.<object_id>", t.EntityID)
	}
	if t.RefreshInterval != 0 && t.RefreshInterval < MinRefreshInterval {
		return fmt.Errorf("%s: %w (got %s, minimum %s)", t.EntityID, entity.ErrInvalidInterval, t.RefreshInterval, MinRefreshInterval)
	}
	if _, err := entity.ParseKind(t.Kind); err != nil {
		return err
	}
	return nil
}
