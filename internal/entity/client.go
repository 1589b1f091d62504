package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"sync"
	"time"

	"hass-sync/internal/clock"
)

// DefaultRefreshInterval is the polling cadence when none is configured.
const DefaultRefreshInterval = 300 * time.Second

var (
	ErrInvalidEntity   = errors.New("entity id must not be empty")
	ErrInvalidInterval = errors.New("refresh interval must be positive")
	ErrNotActionable   = errors.New("entity kind does not accept commands")
	ErrAlreadyRunning  = errors.New("refresh loop already running")
	ErrStopped         = errors.New("entity client stopped")
)

// Source is the upstream API an entity client reads from and commands through.
type Source interface {
	State(ctx context.Context, entityID string) (StateRecord, error)
	History(ctx context.Context, entityID string, start time.Time) ([]StateRecord, error)
	CallService(ctx context.Context, domain, action string, data map[string]any) (StateRecord, error)
}

// Status is the fetch lifecycle of a client.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusFetching Status = "fetching"
	StatusFailed   Status = "failed"
)

// UpdateType classifies notifications sent to subscribers.
type UpdateType string

const (
	UpdateState   UpdateType = "state"
	UpdateHistory UpdateType = "history"
	UpdateError   UpdateType = "error"
)

// Update origins.
const (
	OriginPoll    = "poll"
	OriginCommand = "command"
	OriginHistory = "history"
)

// Update is delivered to subscribers whenever the client's state changes or a
// fetch fails.
type Update struct {
	Type     UpdateType
	Origin   string
	EntityID string
	Record   StateRecord
	Err      error
	Client   *Client
}

// Option configures a Client.
type Option func(*Client)

// WithKind overrides the kind implied by the entity id domain.
func WithKind(k Kind) Option {
	return func(c *Client) { c.kind = k }
}

// WithRefreshInterval sets the wait between polls of Run.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Client) { c.interval = d }
}

// WithClock sets the time source of the refresh loop and fetch timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the logger; the client adds the entity id to it.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSyntheticData enables generated history when the server has none.
func WithSyntheticData(enabled bool) Option {
	return func(c *Client) { c.synthetic = enabled }
}

// WithHistorySpan sets the lookback of FetchDefaultHistory.
func WithHistorySpan(d time.Duration) Option {
	return func(c *Client) { c.historySpan = d }
}

// WithMaxHistory caps the in-memory history; 0 keeps everything.
func WithMaxHistory(n int) Option {
	return func(c *Client) { c.maxHistory = n }
}

// WithRand seeds synthetic history generation.
func WithRand(rng *rand.Rand) Option {
	return func(c *Client) { c.rng = rng }
}

// Client mirrors one entity: it polls live state, keeps a deduplicated
// history and dispatches commands. Fetches and commands on one client are
// serialized; clients are independent of each other.
type Client struct {
	entityID    string
	kind        Kind
	behavior    Behavior
	src         Source
	clock       clock.Clock
	logger      *slog.Logger
	interval    time.Duration
	synthetic   bool
	historySpan time.Duration
	maxHistory  int
	rng         *rand.Rand

	// fetchMu serializes every upstream call made on behalf of this entity.
	fetchMu sync.Mutex

	mu        sync.RWMutex
	current   StateRecord
	history   *HistoryLog
	lastFetch time.Time
	status    Status
	lastErr   error

	subMu   sync.Mutex
	subs    map[uint64]func(Update)
	nextSub uint64

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewClient creates a client for entityID. The kind defaults to the one
// implied by the entity id domain.
func NewClient(entityID string, src Source, opts ...Option) (*Client, error) {
	if entityID == "" {
		return nil, ErrInvalidEntity
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		entityID: entityID,
		kind:     KindFromEntityID(entityID),
		src:      src,
		clock:    clock.Real(),
		logger:   slog.Default(),
		interval: DefaultRefreshInterval,
		status:   StatusIdle,
		subs:     make(map[uint64]func(Update)),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.interval <= 0 {
		cancel()
		return nil, fmt.Errorf("%s: %w (got %s)", entityID, ErrInvalidInterval, c.interval)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	c.behavior = BehaviorFor(c.kind)
	c.history = NewHistoryLog(c.historySpan, c.maxHistory)
	c.logger = c.logger.With("entity", entityID)
	return c, nil
}

// EntityID returns the mirrored entity id.
func (c *Client) EntityID() string { return c.entityID }

// Kind returns the kind that selects the client's behaviour.
func (c *Client) Kind() Kind { return c.kind }

// RefreshInterval returns the wait between polls.
func (c *Client) RefreshInterval() time.Duration { return c.interval }

// History returns the client's log. Callers must treat it as read-only.
func (c *Client) History() *HistoryLog { return c.history }

// Current returns the newest state, or the zero record before the first fetch.
func (c *Client) Current() StateRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Client) LastFetch() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFetch
}

func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// TypeLabel returns the entity_type attribute when the server supplies one,
// otherwise the kind's label.
func (c *Client) TypeLabel() string {
	if s := c.Current().AttributeString(attrEntityType, ""); s != "" {
		return s
	}
	return c.behavior.TypeLabel()
}

func (c *Client) FriendlyName() string {
	cur := c.Current()
	if cur.IsZero() {
		return c.entityID
	}
	return cur.FriendlyName()
}

// Subscribe registers fn for updates and returns an unsubscribe function.
func (c *Client) Subscribe(fn func(Update)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Client) notify(u Update) {
	u.EntityID = c.entityID
	u.Client = c

	c.subMu.Lock()
	fns := make([]func(Update), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("subscriber panic", "update", u.Type, "panic", r)
				}
			}()
			fn(u)
		}()
	}
}

func (c *Client) stopped() bool {
	return c.ctx.Err() != nil
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Client) fail(origin string, err error) {
	c.mu.Lock()
	c.status = StatusFailed
	c.lastErr = err
	c.mu.Unlock()
	c.notify(Update{Type: UpdateError, Origin: origin, Err: err})
}

// FetchLiveData reads the current state, publishes it to subscribers and
// appends it to the history when it differs from the newest entry. On failure
// the previous state and history are left untouched.
func (c *Client) FetchLiveData(ctx context.Context) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	if c.stopped() {
		return ErrStopped
	}
	c.setStatus(StatusFetching)

	rec, err := c.src.State(ctx, c.entityID)
	if err != nil && c.stopped() {
		c.setStatus(StatusIdle)
		return ErrStopped
	}
	if err != nil {
		c.fail(OriginPoll, err)
		return fmt.Errorf("fetch state %s: %w", c.entityID, err)
	}
	if c.stopped() {
		c.setStatus(StatusIdle)
		return ErrStopped
	}

	rec = c.behavior.PostFetch(rec)

	c.mu.Lock()
	c.current = rec
	c.lastFetch = c.clock.Now()
	c.status = StatusIdle
	c.lastErr = nil
	c.mu.Unlock()

	c.notify(Update{Type: UpdateState, Origin: OriginPoll, Record: rec})

	if c.history.Append(rec) {
		c.logger.Debug("state recorded", "state", rec.State(), "history", c.history.Len())
	}
	return nil
}

// FetchDefaultHistory fetches the log's default lookback window.
func (c *Client) FetchDefaultHistory(ctx context.Context) error {
	return c.FetchHistory(ctx, c.history.DefaultTimeSpan())
}

// FetchHistory replaces the whole history with the server's records for the
// span ending now. When the server has nothing and synthetic data is enabled,
// a generated series is installed instead and marked as such.
func (c *Client) FetchHistory(ctx context.Context, span time.Duration) error {
	if span <= 0 {
		span = c.history.DefaultTimeSpan()
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	if c.stopped() {
		return ErrStopped
	}
	c.setStatus(StatusFetching)

	now := c.clock.Now()
	recs, err := c.src.History(ctx, c.entityID, now.Add(-span))
	if err != nil {
		c.fail(OriginHistory, err)
		return fmt.Errorf("fetch history %s: %w", c.entityID, err)
	}

	if len(recs) == 0 && c.synthetic {
		recs = c.enrich(c.behavior.Simulate(c.entityID, now, span, c.rng))
		c.history.Replace(recs, true)

		latest := recs[len(recs)-1]
		c.mu.Lock()
		c.current = latest
		c.status = StatusIdle
		c.lastErr = nil
		c.mu.Unlock()

		c.logger.Info("no history from server, using synthetic data", "points", len(recs))
		c.notify(Update{Type: UpdateHistory, Origin: OriginHistory, Record: latest})
		c.notify(Update{Type: UpdateState, Origin: OriginHistory, Record: latest})
		return nil
	}

	c.history.Replace(c.enrich(recs), false)

	c.mu.Lock()
	c.status = StatusIdle
	c.lastErr = nil
	cur := c.current
	c.mu.Unlock()

	c.logger.Debug("history fetched", "entries", len(recs), "span", span)
	c.notify(Update{Type: UpdateHistory, Origin: OriginHistory, Record: cur})
	return nil
}

// enrich runs the kind's post-fetch hook over history records so they
// compare equal to live records of the same server state.
func (c *Client) enrich(recs []StateRecord) []StateRecord {
	out := make([]StateRecord, len(recs))
	for i, rec := range recs {
		out[i] = c.behavior.PostFetch(rec)
	}
	return out
}

// SendCommand calls a service for this entity and adopts the response as the
// current state. The history is left for the next poll to reconcile.
func (c *Client) SendCommand(ctx context.Context, domain, action string, payload map[string]any) error {
	data := maps.Clone(payload)
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["entity_id"] = c.entityID

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	if c.stopped() {
		return ErrStopped
	}
	c.setStatus(StatusFetching)

	rec, err := c.src.CallService(ctx, domain, action, data)
	if err != nil {
		c.fail(OriginCommand, err)
		return fmt.Errorf("%s.%s %s: %w", domain, action, c.entityID, err)
	}

	c.mu.Lock()
	c.current = rec
	c.status = StatusIdle
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.Info("command applied", "service", domain+"."+action, "state", rec.State())
	c.notify(Update{Type: UpdateState, Origin: OriginCommand, Record: rec})
	return nil
}

func (c *Client) Actionable() bool { return c.behavior.Domain() != "" }

// CommandDomain is the service domain used by TurnOn, TurnOff and Toggle;
// empty for kinds that do not accept commands.
func (c *Client) CommandDomain() string { return c.behavior.Domain() }

func (c *Client) TurnOn(ctx context.Context) error  { return c.onOff(ctx, "turn_on") }
func (c *Client) TurnOff(ctx context.Context) error { return c.onOff(ctx, "turn_off") }
func (c *Client) Toggle(ctx context.Context) error  { return c.onOff(ctx, "toggle") }

func (c *Client) onOff(ctx context.Context, action string) error {
	domain := c.behavior.Domain()
	if domain == "" {
		return fmt.Errorf("%s (%s): %w", c.entityID, c.kind, ErrNotActionable)
	}
	return c.SendCommand(ctx, domain, action, nil)
}

// IsOn reports whether the current state is "on".
func (c *Client) IsOn() bool {
	return c.Current().State() == "on"
}

// Run is the refresh loop: wait one interval, fetch, repeat. Fetch errors are
// logged and the loop continues. It returns when ctx is cancelled or Stop is
// called.
func (c *Client) Run(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.runMu.Unlock()
	defer func() {
		c.runMu.Lock()
		c.running = false
		c.runMu.Unlock()
	}()

	if c.stopped() {
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	c.logger.Debug("refresh loop started", "interval", c.interval)
	for {
		select {
		case <-ctx.Done():
			return c.loopExit(ctx)
		case <-c.clock.After(c.interval):
		}
		// A stop racing with the tick wins.
		if ctx.Err() != nil {
			return c.loopExit(ctx)
		}
		if err := c.FetchLiveData(ctx); err != nil {
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return c.loopExit(ctx)
			}
			c.logger.Warn("refresh failed", "err", err)
		}
	}
}

func (c *Client) loopExit(ctx context.Context) error {
	c.logger.Debug("refresh loop stopped")
	if c.stopped() {
		return nil
	}
	return ctx.Err()
}

// Stop cancels the refresh loop and any fetch not yet started. In-flight
// requests issued by the loop are cancelled through their context. Safe to
// call more than once.
func (c *Client) Stop() {
	c.cancel()
}
