// Package schema generates JSON schemas for published events and checks
// payloads against them before they leave the service.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"

	"conversation-stream-coordinator/internal/models"
)

// ErrInvalidEvent is returned when a payload violates its schema.
var ErrInvalidEvent = errors.New("invalid event")

// Validator holds one schema per published event type.
type Validator struct {
	schemas map[string]*jsonschema.Schema
	types   map[reflect.Type]string
}

// New reflects schemas for every published payload.
func New() *Validator {
	v := &Validator{
		schemas: make(map[string]*jsonschema.Schema),
		types:   make(map[reflect.Type]string),
	}
	v.register(models.EventTypeTurnFinalized, &models.TurnFinalized{})
	v.register(models.EventTypeResponseRequested, &models.ResponseRequested{})
	return v
}

func (v *Validator) register(name string, payload any) {
	r := &jsonschema.Reflector{
		ExpandedStruct:             true,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	s := r.Reflect(payload)
	s.Title = name
	v.schemas[name] = s
	v.types[reflect.TypeOf(payload).Elem()] = name
}

// Schemas returns the generated schemas keyed by event type.
func (v *Validator) Schemas() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(v.schemas))
	for k, s := range v.schemas {
		out[k] = s
	}
	return out
}

// Validate checks required fields and enum values of a registered payload.
// Unregistered payload types are accepted as is.
func (v *Validator) Validate(event any) error {
	t := reflect.TypeOf(event)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name, ok := v.types[t]
	if !ok {
		return nil
	}
	s := v.schemas[name]

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	for _, key := range s.Required {
		if isZero(fields[key]) {
			return fmt.Errorf("%w: %s missing %s", ErrInvalidEvent, name, key)
		}
	}
	if s.Properties == nil {
		return nil
	}
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		if len(pair.Value.Enum) == 0 {
			continue
		}
		val, present := fields[pair.Key]
		if !present {
			continue
		}
		if !inEnum(val, pair.Value.Enum) {
			return fmt.Errorf("%w: %s.%s=%v not allowed", ErrInvalidEvent, name, pair.Key, val)
		}
	}
	return nil
}

func isZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case float64:
		return x == 0
	default:
		return false
	}
}

func inEnum(v any, enum []any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}
