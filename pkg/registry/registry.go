// Package registry is the closed action registry: an explicit mapping from
// action type to adapter. Unregistered action types are never dispatched.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm-gate/pkg/canonicalize"
)

var (
	ErrUnregistered      = errors.New("registry: action type not registered")
	ErrInvalidParameters = errors.New("registry: parameters rejected by schema")
	ErrSealed            = errors.New("registry: sealed")
	ErrDuplicate         = errors.New("registry: action type already registered")
	// ErrCorrupted means the registry no longer matches what was sealed.
	ErrCorrupted = errors.New("registry: corrupted")
)

// Result is what an adapter reports back.
type Result struct {
	Output map[string]any `json:"output,omitempty"`
}

// Adapter performs one kind of real-world action.
type Adapter interface {
	Invoke(ctx context.Context, params map[string]any) (Result, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, params map[string]any) (Result, error)

func (f AdapterFunc) Invoke(ctx context.Context, params map[string]any) (Result, error) {
	return f(ctx, params)
}

// Entry describes one registered action type.
type Entry struct {
	ActionType string
	Adapter    Adapter
	// Schema is an optional JSON Schema (draft 2020-12) for parameters.
	Schema string
	// SideEffects the adapter may cause. Grants can restrict them.
	SideEffects []string

	compiled *jsonschema.Schema
}

// Registry maps action types to adapters. It is populated at startup and
// then sealed; a sealed registry rejects further registration.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	sealed      bool
	fingerprint string
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

func normalize(actionType string) string {
	return strings.ToLower(strings.TrimSpace(actionType))
}

// Register adds an entry. The schema, if any, is compiled now.
func (r *Registry) Register(e Entry) error {
	key := normalize(e.ActionType)
	if key == "" || e.Adapter == nil {
		return fmt.Errorf("registry: entry %q needs an action type and an adapter", e.ActionType)
	}

	if e.Schema != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://helmgate.schemas.local/actions/%s.schema.json", key)
		if err := c.AddResource(url, strings.NewReader(e.Schema)); err != nil {
			return fmt.Errorf("registry schema load failed for %s: %w", key, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("registry schema compile failed for %s: %w", key, err)
		}
		e.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	e.ActionType = key
	e.SideEffects = append([]string(nil), e.SideEffects...)
	r.entries[key] = &e
	return nil
}

// Seal closes the registry and records its fingerprint.
func (r *Registry) Seal() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fp, err := r.computeFingerprint()
	if err != nil {
		return "", err
	}
	r.sealed = true
	r.fingerprint = fp
	return fp, nil
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup returns the entry for actionType. ErrCorrupted means the registry
// cannot be trusted at all.
func (r *Registry) Lookup(actionType string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.sealed {
		return Entry{}, fmt.Errorf("%w: not sealed", ErrCorrupted)
	}
	e, ok := r.entries[normalize(actionType)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnregistered, actionType)
	}
	if e.Adapter == nil || (e.Schema != "" && e.compiled == nil) {
		return Entry{}, fmt.Errorf("%w: entry %s is incomplete", ErrCorrupted, e.ActionType)
	}
	return *e, nil
}

// Validate checks params against the entry's schema. Entries without a
// schema accept any parameters.
func (e Entry) Validate(params map[string]any) error {
	if e.compiled == nil {
		return nil
	}
	doc, err := jsonDocument(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if err := e.compiled.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return nil
}

// Verify recomputes the fingerprint and compares it to the sealed one.
func (r *Registry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.sealed {
		return fmt.Errorf("%w: not sealed", ErrCorrupted)
	}
	fp, err := r.computeFingerprint()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if fp != r.fingerprint {
		return fmt.Errorf("%w: fingerprint %s, sealed %s", ErrCorrupted, fp, r.fingerprint)
	}
	return nil
}

// ActionTypes lists the registered action types, sorted.
func (r *Registry) ActionTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// computeFingerprint hashes action types, schemas and side effects. Caller
// holds mu.
func (r *Registry) computeFingerprint() (string, error) {
	type row struct {
		ActionType  string   `json:"action_type"`
		Schema      string   `json:"schema,omitempty"`
		SideEffects []string `json:"side_effects,omitempty"`
	}
	rows := make([]row, 0, len(r.entries))
	for _, e := range r.entries {
		rows = append(rows, row{ActionType: e.ActionType, Schema: e.Schema, SideEffects: e.SideEffects})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ActionType < rows[j].ActionType })
	h, err := canonicalize.CanonicalHash(rows)
	if err != nil {
		return "", err
	}
	return "sha256:" + h, nil
}

// jsonDocument converts params into the shape the validator expects.
func jsonDocument(params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
