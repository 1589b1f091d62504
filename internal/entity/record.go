package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"strings"
	"time"
)

const (
	attrFriendlyName = "friendly_name"
	attrEntityType   = "entity_type"
)

// StateRecord is an immutable snapshot of one entity. The zero value is the
// "no state yet" sentinel.
type StateRecord struct {
	entityID    string
	state       string
	attributes  map[string]any
	lastChanged time.Time
	lastUpdated time.Time
	context     json.RawMessage
}

// NewStateRecord builds a record. attrs and ctx are copied.
func NewStateRecord(entityID, state string, attrs map[string]any, lastChanged, lastUpdated time.Time, ctx json.RawMessage) StateRecord {
	return StateRecord{
		entityID:    entityID,
		state:       state,
		attributes:  maps.Clone(attrs),
		lastChanged: lastChanged,
		lastUpdated: lastUpdated,
		context:     bytes.Clone(ctx),
	}
}

func (r StateRecord) EntityID() string       { return r.entityID }
func (r StateRecord) State() string          { return r.state }
func (r StateRecord) LastChanged() time.Time { return r.lastChanged }
func (r StateRecord) LastUpdated() time.Time { return r.lastUpdated }

// Context returns a copy of the opaque correlation metadata.
func (r StateRecord) Context() json.RawMessage { return bytes.Clone(r.context) }

// Attributes returns a shallow copy of the attribute map.
func (r StateRecord) Attributes() map[string]any { return maps.Clone(r.attributes) }

// IsZero reports whether r is the empty sentinel.
func (r StateRecord) IsZero() bool {
	return r.entityID == "" && r.state == "" && len(r.attributes) == 0 &&
		r.lastChanged.IsZero() && r.lastUpdated.IsZero()
}

func (r StateRecord) Attribute(key string) (any, bool) {
	v, ok := r.attributes[key]
	return v, ok
}

func (r StateRecord) HasAttribute(key string) bool {
	_, ok := r.attributes[key]
	return ok
}

// AttributeString returns the attribute as a string, or fallback when it is
// missing or not a string.
func (r StateRecord) AttributeString(key, fallback string) string {
	if s, ok := r.attributes[key].(string); ok {
		return s
	}
	return fallback
}

// FriendlyName returns the friendly_name attribute, falling back to the entity id.
func (r StateRecord) FriendlyName() string {
	return r.AttributeString(attrFriendlyName, r.entityID)
}

// WithAttribute returns a copy of r with key set to value.
func (r StateRecord) WithAttribute(key string, value any) StateRecord {
	out := r
	out.attributes = maps.Clone(r.attributes)
	if out.attributes == nil {
		out.attributes = make(map[string]any, 1)
	}
	out.attributes[key] = value
	return out
}

// Equal compares entity id, state and attributes. Timestamps and context are
// ignored: two polls of an unchanged entity compare equal.
func (r StateRecord) Equal(o StateRecord) bool {
	if r.entityID != o.entityID || r.state != o.state {
		return false
	}
	if len(r.attributes) == 0 && len(o.attributes) == 0 {
		return true
	}
	return reflect.DeepEqual(r.attributes, o.attributes)
}

func (r StateRecord) String() string {
	return fmt.Sprintf("%s=%s", r.entityID, r.state)
}

// Domain returns the part of the entity id before the first dot.
func (r StateRecord) Domain() string {
	return domainOf(r.entityID)
}

func domainOf(entityID string) string {
	domain, _, ok := strings.Cut(entityID, ".")
	if !ok {
		return ""
	}
	return domain
}

type recordJSON struct {
	EntityID    string          `json:"entity_id"`
	State       string          `json:"state"`
	Attributes  map[string]any  `json:"attributes"`
	LastChanged time.Time       `json:"last_changed"`
	LastUpdated time.Time       `json:"last_updated"`
	Context     json.RawMessage `json:"context,omitempty"`
}

func (r StateRecord) MarshalJSON() ([]byte, error) {
	attrs := r.attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return json.Marshal(recordJSON{
		EntityID:    r.entityID,
		State:       r.state,
		Attributes:  attrs,
		LastChanged: r.lastChanged,
		LastUpdated: r.lastUpdated,
		Context:     r.context,
	})
}

func (r *StateRecord) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if bytes.Equal(bytes.TrimSpace(raw.Context), []byte("null")) {
		raw.Context = nil
	}
	*r = StateRecord{
		entityID:    raw.EntityID,
		state:       raw.State,
		attributes:  raw.Attributes,
		lastChanged: raw.LastChanged,
		lastUpdated: raw.LastUpdated,
		context:     raw.Context,
	}
	return nil
}
