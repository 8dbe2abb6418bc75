// Package pluginregistry is the construction and settings-binding authority
// for plugins: a mutex-guarded map of registered constructors with conflict
// detection on duplicate ids, and BindSettings' two-pass validation.
// Unknown keys are rejected before any required/type/range check runs, so
// nothing about a plugin's state changes until the whole settings map is
// known to be valid.
package pluginregistry

import (
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"

	"github.com/streamspace/gradeflow/internal/pluginsdk"
)

// registration pairs a plugin's declarative metadata and settings schema
// with the constructor that builds instances of it.
type registration struct {
	meta        pluginsdk.Meta
	fields      []pluginsdk.SettingsField
	constructor pluginsdk.Constructor
}

// Registry holds every plugin known to the process, keyed by id. Plugins
// are added explicitly through Register on a Registry value; the registry
// never discovers plugins by reflection or filesystem scan.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]registration
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]registration)}
}

// Register adds a plugin under id. Registering a duplicate id is an error;
// silently replacing a constructor would reroute every workflow that names
// the id.
func (r *Registry) Register(meta pluginsdk.Meta, fields []pluginsdk.SettingsField, constructor pluginsdk.Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[meta.ID]; exists {
		return fmt.Errorf("pluginregistry: plugin %q already registered", meta.ID)
	}
	r.byID[meta.ID] = registration{meta: meta, fields: fields, constructor: constructor}
	log.Printf("[pluginregistry] registered plugin %s (%s)", meta.ID, meta.Kind)
	return nil
}

// Lookup returns the metadata and settings schema for a registered plugin.
func (r *Registry) Lookup(id string) (pluginsdk.Meta, []pluginsdk.SettingsField, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byID[id]
	if !ok {
		return pluginsdk.Meta{}, nil, false
	}
	return reg.meta, reg.fields, true
}

// ByKind returns the metadata of every registered plugin of the given kind,
// sorted by ID for stable listing output.
func (r *Registry) ByKind(kind pluginsdk.Kind) []pluginsdk.Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]pluginsdk.Meta, 0)
	for _, reg := range r.byID {
		if reg.meta.Kind == kind {
			out = append(out, reg.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Instantiate constructs a new instance of the plugin registered under id,
// bound to logger. Settings must already have been validated via
// BindSettings; Instantiate itself does not validate.
func (r *Registry) Instantiate(id string, logger pluginsdk.Logger) (pluginsdk.Instance, error) {
	r.mu.RLock()
	reg, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pluginregistry: unknown plugin %q", id)
	}
	return reg.constructor(logger), nil
}

// BindSettings validates a settings map against a plugin's declared schema
// before any instance is constructed.
//
// Pass 1 rejects any key in settings that the schema does not declare.
// Pass 2 walks the schema: fails if a Required field was omitted (even when
// it declares a Default), applies the Default of an omitted optional field,
// and range/pattern/option checks each supplied value against Constraints.
// The whole map is validated before any instance sees it.
func BindSettings(fields []pluginsdk.SettingsField, settings map[string]any) (map[string]any, error) {
	known := make(map[string]pluginsdk.SettingsField, len(fields))
	for _, f := range fields {
		known[f.Name] = f
	}
	for key := range settings {
		if _, ok := known[key]; !ok {
			return nil, fmt.Errorf("pluginregistry: unknown setting %q", key)
		}
	}

	bound := make(map[string]any, len(fields))
	for _, f := range fields {
		value, present := settings[f.Name]
		if !present {
			if f.Required {
				return nil, fmt.Errorf("pluginregistry: missing required setting %q", f.Name)
			}
			value = f.Default
		}
		if present {
			if err := checkConstraints(f, value); err != nil {
				return nil, fmt.Errorf("pluginregistry: setting %q: %w", f.Name, err)
			}
		}
		bound[f.Name] = value
	}
	return bound, nil
}

func checkConstraints(f pluginsdk.SettingsField, value any) error {
	switch f.Kind {
	case pluginsdk.SettingsNumber:
		n, ok := asFloat(value)
		if !ok {
			return fmt.Errorf("expected a number, got %T", value)
		}
		if f.Constraints.Min != nil && n < *f.Constraints.Min {
			return fmt.Errorf("%v is below minimum %v", n, *f.Constraints.Min)
		}
		if f.Constraints.Max != nil && n > *f.Constraints.Max {
			return fmt.Errorf("%v exceeds maximum %v", n, *f.Constraints.Max)
		}
	case pluginsdk.SettingsSwitch:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected a bool, got %T", value)
		}
	case pluginsdk.SettingsSelect:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected a string, got %T", value)
		}
		if len(f.Constraints.Options) > 0 && !contains(f.Constraints.Options, s) {
			return fmt.Errorf("%q is not one of %v", s, f.Constraints.Options)
		}
		if err := checkPattern(f.Constraints.Pattern, s); err != nil {
			return err
		}
	case pluginsdk.SettingsText:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected a string, got %T", value)
		}
		if err := checkPattern(f.Constraints.Pattern, s); err != nil {
			return err
		}
	}
	return nil
}

// checkPattern matches s against the field's declared regular expression,
// when one is set. A pattern that does not compile is itself a validation
// error: the plugin declared an unusable schema, and silently accepting
// every value would defeat the constraint.
func checkPattern(pattern, s string) error {
	if pattern == "" {
		return nil
	}
	matched, err := regexp.MatchString(pattern, s)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if !matched {
		return fmt.Errorf("%q does not match pattern %q", s, pattern)
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(options []string, s string) bool {
	for _, o := range options {
		if o == s {
			return true
		}
	}
	return false
}
