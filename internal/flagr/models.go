package flagr

import (
	"encoding/json"
	"time"
)

// =======================
// FLAG MODELS (API)
// =======================

// FlagrFlag represents the flag model returned by the flag service API
type FlagrFlag struct {
	ID                 int64          `json:"id"`
	Key                string         `json:"key"`
	Description        string         `json:"description"`
	Enabled            bool           `json:"enabled"`
	Segments           []FlagrSegment `json:"segments"`
	Variants           []FlagrVariant `json:"variants"`
	Tags               []Tag          `json:"tags"`
	DataRecordsEnabled bool           `json:"dataRecordsEnabled"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// Tag represents an API tag
type Tag struct {
	Value string `json:"value"`
}

// =======================
// SEGMENTS
// =======================

type FlagrSegment struct {
	ID             int64               `json:"id"`
	Rank           int                 `json:"rank"`
	Description    string              `json:"description"`
	RolloutPercent int64               `json:"rolloutPercent"`
	Constraints    []FlagrConstraint   `json:"constraints"`
	Distributions  []FlagrDistribution `json:"distributions"`
}

// =======================
// CONSTRAINTS
// =======================

// FlagrConstraint values arrive as strings; quoted strings, numbers and
// arrays are JSON encoded inside them.
type FlagrConstraint struct {
	ID       int64  `json:"id"`
	Property string `json:"property"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// =======================
// DISTRIBUTIONS
// =======================

type FlagrDistribution struct {
	ID        int64 `json:"id"`
	Percent   int64 `json:"percent"`
	VariantID int64 `json:"variantID"`
}

// =======================
// VARIANTS
// =======================

type FlagrVariant struct {
	ID         int64                      `json:"id"`
	Key        string                     `json:"key"`
	Attachment map[string]json.RawMessage `json:"attachment"`
}

// =======================
// HEALTH
// =======================

// HealthResponse represents the health-check API response
type HealthResponse struct {
	Status string `json:"status"`
}
