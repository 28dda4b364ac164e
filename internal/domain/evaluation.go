package domain

import (
	"encoding/json"
	"reflect"
	"strings"
)

// ReasonKind explains how a value was chosen.
type ReasonKind string

const (
	ReasonOff         ReasonKind = "OFF"
	ReasonFallthrough ReasonKind = "FALLTHROUGH"
	ReasonRuleMatch   ReasonKind = "RULE_MATCH"
	ReasonError       ReasonKind = "ERROR"
)

// ErrorKind qualifies a ReasonError.
type ErrorKind string

const (
	ErrorClientNotReady   ErrorKind = "CLIENT_NOT_READY"
	ErrorFlagNotFound     ErrorKind = "FLAG_NOT_FOUND"
	ErrorMalformedFlag    ErrorKind = "MALFORMED_FLAG"
	ErrorContextInvalid   ErrorKind = "USER_NOT_SPECIFIED"
	ErrorWrongType        ErrorKind = "WRONG_TYPE"
	ErrorEvaluationFailed ErrorKind = "EXCEPTION"
)

// Reason is attached to every evaluation detail.
type Reason struct {
	Kind        ReasonKind `json:"kind"`
	RuleIndex   int        `json:"ruleIndex,omitempty"`
	SegmentID   int64      `json:"segmentID,omitempty"`
	ErrorKind   ErrorKind  `json:"errorKind,omitempty"`
	InRollout   bool       `json:"inRollout,omitempty"`
	Description string     `json:"-"`
}

// ErrorReason builds a ReasonError.
func ErrorReason(kind ErrorKind) Reason {
	return Reason{Kind: ReasonError, ErrorKind: kind}
}

// EvaluationResult is the outcome of evaluating a flag's rules, before the
// value is shaped to the caller's fallback type. VariantKey is empty when no
// variant was selected.
type EvaluationResult struct {
	FlagID            int64
	FlagKey           string
	SegmentID         int64
	VariantID         int64
	VariantKey        string
	VariantAttachment map[string]json.RawMessage
	Reason            Reason
}

// HasVariant reports whether a variant was selected.
func (r *EvaluationResult) HasVariant() bool {
	return r != nil && r.VariantKey != ""
}

// Detail is what a caller receives: the value, always of the fallback's
// type, plus how it was reached.
type Detail struct {
	Value      any    `json:"value"`
	VariantKey string `json:"variation,omitempty"`
	Reason     Reason `json:"reason"`
}

// FallbackDetail returns the fallback value with the given reason.
func FallbackDetail(fallback any, reason Reason) Detail {
	return Detail{Value: fallback, Reason: reason}
}

// ValueFor shapes the selected variant into the fallback's type. The
// "value" attachment wins; without one a bool fallback maps on, enabled and
// true variant keys to true and a string fallback receives the variant key.
// ok is false when the variant cannot be represented as the fallback type.
func (r *EvaluationResult) ValueFor(fallback any) (value any, ok bool) {
	if raw, found := r.VariantAttachment["value"]; found {
		return decodeAs(raw, fallback)
	}

	switch fallback.(type) {
	case bool:
		switch strings.ToLower(r.VariantKey) {
		case "on", "enabled", "true":
			return true, true
		default:
			return false, true
		}
	case string:
		return r.VariantKey, true
	case nil:
		return r.VariantKey, true
	}

	return fallback, false
}

func decodeAs(raw json.RawMessage, fallback any) (any, bool) {
	if fallback == nil {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, false
		}
		return v, true
	}

	ptr := reflect.New(reflect.TypeOf(fallback))
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return fallback, false
	}
	return ptr.Elem().Interface(), true
}
