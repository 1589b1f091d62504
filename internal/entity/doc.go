// Package entity holds the in-memory mirror of a single Home Assistant
// entity: immutable state records, a change-deduplicated history log, and the
// Client that polls, records and commands the entity.
//
// Behaviour that differs between entity kinds (type label, post-fetch
// enrichment, synthetic history) is looked up through the Behavior interface
// keyed by Kind rather than by embedding.
package entity
