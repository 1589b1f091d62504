package store

import "time"

// Tracked is one mirrored entity and its polling settings.
// A zero RefreshInterval means the service default.
type Tracked struct {
	EntityID        string        `json:"entity_id"`
	Kind            string        `json:"kind,omitempty"`
	RefreshInterval time.Duration `json:"refresh_interval,omitempty"`
	AddedAt         time.Time     `json:"added_at"`
}

// Upstream records what the Home Assistant instance reported about itself.
type Upstream struct {
	BaseURL      string    `json:"base_url"`
	Version      string    `json:"version,omitempty"`
	LocationName string    `json:"location_name,omitempty"`
	TimeZone     string    `json:"time_zone,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}
