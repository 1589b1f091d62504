package hass

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"hass-sync/internal/entity"
)

var _ entity.Source = (*Client)(nil)

// apiRunningMessage is the body of GET /api/ on a healthy instance.
const apiRunningMessage = "API running."

// Message is the generic {"message": "..."} response.
type Message struct {
	Message string `json:"message"`
}

// Config is the subset of GET /api/config this service reports.
type Config struct {
	LocationName string            `json:"location_name"`
	Version      string            `json:"version"`
	TimeZone     string            `json:"time_zone"`
	State        string            `json:"state"`
	Latitude     float64           `json:"latitude"`
	Longitude    float64           `json:"longitude"`
	Elevation    float64           `json:"elevation"`
	UnitSystem   map[string]string `json:"unit_system"`
	Components   []string          `json:"components"`
}

// FormatTimestamp renders t as ISO-8601 UTC with an explicit +00:00 offset,
// the form the history endpoint expects.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05") + "+00:00"
}

// Ping reports whether the API answers with its liveness message.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	msg, err := Get[Message](ctx, c, "api/")
	if err != nil {
		return false, err
	}
	return msg.Message == apiRunningMessage, nil
}

// Config returns the instance configuration.
func (c *Client) Config(ctx context.Context) (*Config, error) {
	cfg, err := Get[Config](ctx, c, "api/config")
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// State returns the current state of one entity.
func (c *Client) State(ctx context.Context, entityID string) (entity.StateRecord, error) {
	return Get[entity.StateRecord](ctx, c, "api/states/"+url.PathEscape(entityID))
}

// States returns the current state of every entity.
func (c *Client) States(ctx context.Context) ([]entity.StateRecord, error) {
	return Get[[]entity.StateRecord](ctx, c, "api/states")
}

// History returns the recorded states of entityID from start until now. The
// endpoint answers with one array per filtered entity; only the first is used.
func (c *Client) History(ctx context.Context, entityID string, start time.Time) ([]entity.StateRecord, error) {
	q := url.Values{"filter_entity_id": {entityID}}
	path := "api/history/period/" + FormatTimestamp(start) + "?" + q.Encode()

	series, err := Get[[][]entity.StateRecord](ctx, c, path)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, nil
	}
	return series[0], nil
}

// CallService invokes domain.action with data and returns the resulting state
// of data["entity_id"]. Home Assistant answers with every state the call
// changed; when the target is absent from that list the first entry is used,
// and when the list is empty the target's state is read back.
func (c *Client) CallService(ctx context.Context, domain, action string, data map[string]any) (entity.StateRecord, error) {
	path := fmt.Sprintf("api/services/%s/%s", url.PathEscape(domain), url.PathEscape(action))
	changed, err := Post[[]entity.StateRecord](ctx, c, path, data)
	if err != nil {
		return entity.StateRecord{}, err
	}
	target, _ := data["entity_id"].(string)
	if len(changed) == 0 {
		// Nothing changed (e.g. turn_on on a light that is already on).
		if target == "" {
			return entity.StateRecord{}, &DecodeError{Path: path, Body: []byte("[]"), Err: errors.New("service call returned no state")}
		}
		return c.State(ctx, target)
	}

	for _, rec := range changed {
		if rec.EntityID() == target {
			return rec, nil
		}
	}
	return changed[0], nil
}
