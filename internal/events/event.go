package events

import (
	"encoding/json"
	"math"
	"slices"
	"time"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
)

// FeatureEvent records one flag evaluation.
type FeatureEvent struct {
	Kind         string         `json:"kind"`
	CreationDate int64          `json:"creationDate"`
	Key          string         `json:"key"`
	Context      map[string]any `json:"context"`
	Value        any            `json:"value"`
	Default      any            `json:"default"`
	Variation    string         `json:"variation,omitempty"`
	Reason       *domain.Reason `json:"reason,omitempty"`
}

// Redactor strips private attributes from contexts before they leave the
// process.
type Redactor struct {
	PrivateAttributes    []string
	AllAttributesPrivate bool
}

// NewFeatureEvent builds the event for one evaluation. The event always
// encodes to JSON: context attributes without a JSON form (NaN, infinities,
// channels, funcs) are removed and listed under
// _meta.droppedAttributes, and such values or defaults become null.
func (r Redactor) NewFeatureEvent(flagKey string, evalCtx domain.EvaluationContext, detail domain.Detail, fallback any, now time.Time) FeatureEvent {
	reason := detail.Reason
	return FeatureEvent{
		Kind:         "feature",
		CreationDate: now.UnixMilli(),
		Key:          flagKey,
		Context:      encodableContext(evalCtx.Redacted(r.PrivateAttributes, r.AllAttributesPrivate)),
		Value:        encodable(detail.Value),
		Default:      encodable(fallback),
		Variation:    detail.VariantKey,
		Reason:       &reason,
	}
}

func encodableContext(ctx map[string]any) map[string]any {
	var dropped []string
	for name, value := range ctx {
		if name == "kind" || name == "key" || name == "_meta" {
			continue
		}
		if !canEncode(value) {
			dropped = append(dropped, name)
			delete(ctx, name)
		}
	}
	if len(dropped) == 0 {
		return ctx
	}

	slices.Sort(dropped)
	meta, _ := ctx["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
		ctx["_meta"] = meta
	}
	meta["droppedAttributes"] = dropped
	return ctx
}

func encodable(v any) any {
	if canEncode(v) {
		return v
	}
	return nil
}

func canEncode(v any) bool {
	switch v := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return !math.IsNaN(v) && !math.IsInf(v, 0)
	case float32:
		return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
	default:
		_, err := json.Marshal(v)
		return err == nil
	}
}
