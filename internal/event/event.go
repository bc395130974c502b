// Package event defines the envelope sent to and received from the
// orchestrator (spec.md §3 Event).
package event

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Event is the wire envelope for data flowing to and from the
// orchestrator. Name is required; ID and Timestamp are populated at
// construction if left blank.
type Event struct {
	// ID deduplicates events; generated if absent.
	ID string `json:"id,omitempty"`

	// Name is a dotted or slashed identifier, e.g. "user/signed.up".
	Name string `json:"name"`

	// Data is the opaque event payload.
	Data map[string]any `json:"data"`

	// User is optional opaque data about the acting user.
	User any `json:"user,omitempty"`

	// Timestamp is a unix millisecond timestamp, defaulted to now.
	Timestamp int64 `json:"ts,omitempty"`

	// IdempotencyKey deduplicates sends of logically-identical events.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Version labels the shape of Data so consumers can evolve it without
	// renaming the event.
	Version string `json:"v,omitempty"`
}

// Validate checks the name invariant and fills in defaults. Timestamp is
// set exactly once, here, per spec.md's monotonicity invariant: once an
// Event has a non-zero Timestamp this function leaves it untouched.
func (e *Event) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("event: name must be present")
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return nil
}

// Map renders the canonical wire map for the event, coercing ts to
// float64 since JSON numbers have no integer/float distinction and this
// keeps round-tripping stable.
func (e Event) Map() map[string]any {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	m := map[string]any{
		"name": e.Name,
		"data": e.Data,
		"ts":   float64(e.Timestamp),
	}
	if e.User != nil {
		m["user"] = e.User
	}
	if e.ID != "" {
		m["id"] = e.ID
	}
	if e.IdempotencyKey != "" {
		m["idempotency_key"] = e.IdempotencyKey
	}
	if e.Version != "" {
		m["v"] = e.Version
	}
	return m
}

// ValidateEventDataType reports whether t is a usable event-data type for
// CreateFunction: nil, a map, a struct, or a pointer to a struct. Anything
// else (primitives, funcs, slices) cannot sensibly hold named event
// fields and is rejected at registration time rather than failing
// obscurely during JSON decode.
func ValidateEventDataType(t any) error {
	if t == nil {
		return nil
	}

	rt := reflect.TypeOf(t)
	for rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}

	switch rt.Kind() {
	case reflect.Map, reflect.Struct:
		return nil
	default:
		return fmt.Errorf("event: data type must be a struct or map, got %s", rt.Kind())
	}
}

// NamedEvent is implemented by event-data types that know their own
// trigger name, used by the trigger-derivation rule in spec.md §3.
type NamedEvent interface {
	EventName() string
}
