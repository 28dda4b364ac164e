package domain

import (
	"fmt"
	"maps"
	"slices"
)

// DefaultKind is the context kind used when none is given.
const DefaultKind = "user"

// EvaluationContext identifies the subject a flag is evaluated for.
//
// Key must be stable for the subject and must not be derived from personal
// data. Attributes named in PrivateAttributes are used for targeting but are
// never sent in analytics events.
type EvaluationContext struct {
	Kind              string         `json:"kind"`
	Key               string         `json:"key"`
	Attributes        map[string]any `json:"attributes,omitempty"`
	PrivateAttributes []string       `json:"privateAttributes,omitempty"`
}

// NewContext returns a user context with the given key.
func NewContext(key string) EvaluationContext {
	return EvaluationContext{Kind: DefaultKind, Key: key}
}

// NewContextWithKind returns a context of an explicit kind.
func NewContextWithKind(kind, key string) EvaluationContext {
	return EvaluationContext{Kind: kind, Key: key}
}

// With returns a copy of the context with the attribute set.
func (c EvaluationContext) With(name string, value any) EvaluationContext {
	out := c.clone()
	out.Attributes[name] = value
	return out
}

// WithPrivate returns a copy of the context with the attribute set and
// marked private.
func (c EvaluationContext) WithPrivate(name string, value any) EvaluationContext {
	out := c.With(name, value)
	if !slices.Contains(out.PrivateAttributes, name) {
		out.PrivateAttributes = append(out.PrivateAttributes, name)
	}
	return out
}

func (c EvaluationContext) clone() EvaluationContext {
	out := EvaluationContext{
		Kind:              c.Kind,
		Key:               c.Key,
		Attributes:        make(map[string]any, len(c.Attributes)+1),
		PrivateAttributes: slices.Clone(c.PrivateAttributes),
	}
	maps.Copy(out.Attributes, c.Attributes)
	return out
}

// EffectiveKind returns the kind, defaulting to "user".
func (c EvaluationContext) EffectiveKind() string {
	if c.Kind == "" {
		return DefaultKind
	}
	return c.Kind
}

// Value looks up a targeting property. "key" and "kind" resolve to the
// context identity unless an attribute of that name exists.
func (c EvaluationContext) Value(name string) (any, bool) {
	if v, ok := c.Attributes[name]; ok {
		return v, true
	}
	switch name {
	case "key":
		return c.Key, true
	case "kind":
		return c.EffectiveKind(), true
	}
	return nil, false
}

// Validate checks the context identity.
func (c EvaluationContext) Validate() error {
	if c.Key == "" {
		return NewValidationError("context key cannot be empty")
	}

	kind := c.EffectiveKind()
	if kind == "kind" || kind == "multi" {
		return NewValidationError(fmt.Sprintf("context kind %q is reserved", kind))
	}
	for _, r := range kind {
		if !validKindRune(r) {
			return NewValidationError(fmt.Sprintf("context kind %q contains invalid character %q", kind, r))
		}
	}

	return nil
}

func validKindRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-':
		return true
	}
	return false
}

// Redacted returns the context as an event payload with private attributes
// removed. Names in globalPrivate are private for every context; allPrivate
// hides every attribute. Key and kind are always kept.
func (c EvaluationContext) Redacted(globalPrivate []string, allPrivate bool) map[string]any {
	out := map[string]any{
		"kind": c.EffectiveKind(),
		"key":  c.Key,
	}

	var redacted []string
	for name, value := range c.Attributes {
		if name == "kind" || name == "key" {
			continue
		}
		if allPrivate || slices.Contains(c.PrivateAttributes, name) || slices.Contains(globalPrivate, name) {
			redacted = append(redacted, name)
			continue
		}
		out[name] = value
	}

	if len(redacted) > 0 {
		slices.Sort(redacted)
		out["_meta"] = map[string]any{"redactedAttributes": redacted}
	}

	return out
}
