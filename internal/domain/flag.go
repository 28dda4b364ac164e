package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Flag is a feature flag together with the rules needed to evaluate it
// locally.
type Flag struct {
	ID          int64     `json:"id"`
	Key         string    `json:"key"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Segments    []Segment `json:"segments,omitempty"`
	Variants    []Variant `json:"variants,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`

	Tags []Tag `json:"tags,omitempty"`
}

// Tag is a free-form label attached to a flag.
type Tag struct {
	Value string `json:"value"`
}

// Segment is a targeting rule. Segments are evaluated in rank order.
type Segment struct {
	ID             int64          `json:"id"`
	Rank           int            `json:"rank"`
	Description    string         `json:"description,omitempty"`
	RolloutPercent int            `json:"rolloutPercent"` // 0-100
	Constraints    []Constraint   `json:"constraints,omitempty"`
	Distributions  []Distribution `json:"distributions,omitempty"`
}

// Constraint matches one context property against a value.
type Constraint struct {
	ID       int64    `json:"id"`
	Property string   `json:"property"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Distribution assigns a share of a segment to a variant.
type Distribution struct {
	ID        int64 `json:"id"`
	VariantID int64 `json:"variantID"`
	Percent   int   `json:"percent"` // 0-100
}

// Variant is one possible outcome of a flag.
type Variant struct {
	ID         int64                      `json:"id"`
	Key        string                     `json:"key"`
	Attachment map[string]json.RawMessage `json:"attachment,omitempty"`
}

// Operator represents constraint operators
type Operator string

const (
	OperatorEQ       Operator = "EQ"
	OperatorNEQ      Operator = "NEQ"
	OperatorLT       Operator = "LT"
	OperatorLTE      Operator = "LTE"
	OperatorGT       Operator = "GT"
	OperatorGTE      Operator = "GTE"
	OperatorIN       Operator = "IN"
	OperatorNOTIN    Operator = "NOTIN"
	OperatorMATCHES  Operator = "MATCHES"
	OperatorCONTAINS Operator = "CONTAINS"
)

// Validate validates the flag configuration
func (f *Flag) Validate() error {
	if f.Key == "" {
		return NewValidationError("flag key cannot be empty")
	}

	if len(f.Segments) == 0 {
		return nil
	}

	for i, segment := range f.Segments {
		if err := segment.Validate(); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
	}

	known := make(map[int64]bool, len(f.Variants))
	for _, v := range f.Variants {
		known[v.ID] = true
	}

	for i, seg := range f.Segments {
		for _, dist := range seg.Distributions {
			if !known[dist.VariantID] {
				return NewValidationError(
					fmt.Sprintf("segment %d distribution references unknown variantID=%d", i, dist.VariantID),
				)
			}
		}
	}

	return nil
}

// Validate validates the segment configuration. Distribution percents
// split the rolled-out share of the segment and must add up to 100.
func (s *Segment) Validate() error {
	if s.RolloutPercent < 0 || s.RolloutPercent > 100 {
		return NewValidationError("segment rollout percent must be between 0 and 100")
	}

	if s.RolloutPercent > 0 && len(s.Distributions) == 0 {
		return NewValidationError("segment must have at least one distribution when rollout > 0")
	}

	total := 0
	for _, dist := range s.Distributions {
		if dist.Percent < 0 || dist.Percent > 100 {
			return NewValidationError("distribution percent must be between 0 and 100")
		}
		total += dist.Percent
	}

	if len(s.Distributions) > 0 && total != 100 {
		return NewValidationError(fmt.Sprintf("distribution percent sum %d must equal 100", total))
	}

	return nil
}

// VariantByID finds a variant by ID
func (f *Flag) VariantByID(id int64) (*Variant, bool) {
	for i := range f.Variants {
		if f.Variants[i].ID == id {
			return &f.Variants[i], true
		}
	}
	return nil, false
}

// SortedSegments returns a copy of the segments sorted by rank.
func (f *Flag) SortedSegments() []Segment {
	segments := make([]Segment, len(f.Segments))
	copy(segments, f.Segments)
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Rank < segments[j].Rank
	})
	return segments
}

// TagValues returns the flag tags as plain strings.
func (f *Flag) TagValues() []string {
	values := make([]string, len(f.Tags))
	for i, t := range f.Tags {
		values[i] = t.Value
	}
	return values
}
