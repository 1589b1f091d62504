package entity

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// Kind selects the per-entity behaviour. Values match Home Assistant domains.
type Kind string

const (
	KindGeneric      Kind = "generic"
	KindLight        Kind = "light"
	KindSwitch       Kind = "switch"
	KindFan          Kind = "fan"
	KindInputBoolean Kind = "input_boolean"
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
)

// Behavior is the capability set that varies by entity kind.
type Behavior interface {
	// TypeLabel is the human-readable type used when the server does not
	// supply an entity_type attribute.
	TypeLabel() string
	// Domain is the service domain commands are sent to; empty when the
	// kind does not accept commands.
	Domain() string
	// PostFetch enriches a freshly fetched record.
	PostFetch(rec StateRecord) StateRecord
	// Simulate produces a synthetic history ending at end and spanning span.
	Simulate(entityID string, end time.Time, span time.Duration, rng *rand.Rand) []StateRecord
}

var behaviors = map[Kind]Behavior{
	KindGeneric:      genericBehavior{},
	KindLight:        binaryBehavior{label: "Light", domain: "light"},
	KindSwitch:       binaryBehavior{label: "Switch", domain: "switch"},
	KindFan:          binaryBehavior{label: "Fan", domain: "fan"},
	KindInputBoolean: binaryBehavior{label: "Input Boolean", domain: "input_boolean"},
	KindSensor:       sensorBehavior{},
	KindBinarySensor: binaryBehavior{label: "Binary Sensor"},
}

// BehaviorFor returns the behaviour for k, falling back to the generic one.
func BehaviorFor(k Kind) Behavior {
	if b, ok := behaviors[k]; ok {
		return b
	}
	return behaviors[KindGeneric]
}

// ParseKind validates a kind name from configuration. Empty means generic.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" {
		return KindGeneric, nil
	}
	if _, ok := behaviors[k]; !ok {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

// KindFromEntityID infers the kind from the entity id domain.
func KindFromEntityID(entityID string) Kind {
	k := Kind(domainOf(entityID))
	if _, ok := behaviors[k]; ok {
		return k
	}
	return KindGeneric
}

// Number of points in a synthetic series.
const simulatedPoints = 48

type genericBehavior struct{}

func (genericBehavior) TypeLabel() string                     { return "Undefined" }
func (genericBehavior) Domain() string                        { return "" }
func (genericBehavior) PostFetch(rec StateRecord) StateRecord { return rec }
func (genericBehavior) Simulate(entityID string, end time.Time, span time.Duration, rng *rand.Rand) []StateRecord {
	return simulateWalk(entityID, end, span, rng, 0, 50)
}

type sensorBehavior struct{}

func (sensorBehavior) TypeLabel() string { return "Sensor" }
func (sensorBehavior) Domain() string    { return "" }

// PostFetch exposes a parsed numeric state as the numeric_value attribute.
func (sensorBehavior) PostFetch(rec StateRecord) StateRecord {
	v, err := strconv.ParseFloat(strings.TrimSpace(rec.State()), 64)
	if err != nil {
		return rec
	}
	return rec.WithAttribute("numeric_value", v)
}

func (sensorBehavior) Simulate(entityID string, end time.Time, span time.Duration, rng *rand.Rand) []StateRecord {
	return simulateWalk(entityID, end, span, rng, 0, 50)
}

type binaryBehavior struct {
	label  string
	domain string
}

func (b binaryBehavior) TypeLabel() string                     { return b.label }
func (b binaryBehavior) Domain() string                        { return b.domain }
func (b binaryBehavior) PostFetch(rec StateRecord) StateRecord { return rec }
func (b binaryBehavior) Simulate(entityID string, end time.Time, span time.Duration, rng *rand.Rand) []StateRecord {
	return simulateAlternating(entityID, end, span, rng, "on", "off")
}

// simulateWalk is a bounded random walk over integers in [lo, hi]. Steps are
// never zero so consecutive points always differ.
func simulateWalk(entityID string, end time.Time, span time.Duration, rng *rand.Rand, lo, hi int) []StateRecord {
	step := span / simulatedPoints
	start := end.Add(-step * (simulatedPoints - 1))
	v := lo + rng.IntN(hi-lo+1)

	out := make([]StateRecord, 0, simulatedPoints)
	for i := range simulatedPoints {
		if i > 0 {
			d := rng.IntN(5) + 1
			if rng.IntN(2) == 0 {
				d = -d
			}
			if v+d > hi || v+d < lo {
				d = -d
			}
			v += d
		}
		out = append(out, simulatedRecord(entityID, strconv.Itoa(v), start.Add(step*time.Duration(i))))
	}
	return out
}

func simulateAlternating(entityID string, end time.Time, span time.Duration, rng *rand.Rand, a, b string) []StateRecord {
	step := span / simulatedPoints
	start := end.Add(-step * (simulatedPoints - 1))
	values := [2]string{a, b}
	first := rng.IntN(2)

	out := make([]StateRecord, 0, simulatedPoints)
	for i := range simulatedPoints {
		out = append(out, simulatedRecord(entityID, values[(first+i)%2], start.Add(step*time.Duration(i))))
	}
	return out
}

func simulatedRecord(entityID, state string, at time.Time) StateRecord {
	return NewStateRecord(entityID, state, map[string]any{"synthetic": true}, at, at, nil)
}
