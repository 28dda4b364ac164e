package sdk

import (
	"fmt"
	"slices"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
)

// Tag match modes for FilterConfig.TagMatchMode.
const (
	TagMatchAny = "any"
	TagMatchAll = "all"
)

// FilterConfig decides which polled flags enter the store.
type FilterConfig struct {
	// OnlyEnabled drops disabled flags. Evaluating a dropped flag then
	// reports FLAG_NOT_FOUND instead of OFF.
	OnlyEnabled bool `yaml:"only_enabled"`

	// ServiceName is the tag identifying this service.
	ServiceName string `yaml:"service_name"`

	// RequireServiceTag keeps only flags tagged with ServiceName.
	RequireServiceTag bool `yaml:"require_service_tag"`

	// AdditionalTags filters by extra tag values, e.g. "production".
	AdditionalTags []string `yaml:"additional_tags"`

	// TagMatchMode is "any" or "all" for AdditionalTags.
	TagMatchMode string `yaml:"tag_match_mode"`
}

// Validate validates the filter configuration
func (f FilterConfig) Validate() error {
	if f.RequireServiceTag && f.ServiceName == "" {
		return fmt.Errorf("service_name must be set when require_service_tag is true")
	}

	if f.TagMatchMode != "" && f.TagMatchMode != TagMatchAny && f.TagMatchMode != TagMatchAll {
		return fmt.Errorf("tag_match_mode must be 'any' or 'all'")
	}

	return nil
}

// ShouldStore reports whether a flag passes the filter rules.
func (f FilterConfig) ShouldStore(flag domain.Flag) bool {
	if f.OnlyEnabled && !flag.Enabled {
		return false
	}

	tags := flag.TagValues()

	if f.RequireServiceTag && !slices.Contains(tags, f.ServiceName) {
		return false
	}

	return f.matchesAdditionalTags(tags)
}

// Apply returns the flags that pass the filter.
func (f FilterConfig) Apply(flags []domain.Flag) []domain.Flag {
	kept := make([]domain.Flag, 0, len(flags))
	for _, flag := range flags {
		if f.ShouldStore(flag) {
			kept = append(kept, flag)
		}
	}
	return kept
}

func (f FilterConfig) matchesAdditionalTags(tags []string) bool {
	if len(f.AdditionalTags) == 0 {
		return true
	}

	if f.TagMatchMode == TagMatchAll {
		for _, required := range f.AdditionalTags {
			if !slices.Contains(tags, required) {
				return false
			}
		}
		return true
	}

	for _, wanted := range f.AdditionalTags {
		if slices.Contains(tags, wanted) {
			return true
		}
	}
	return false
}

// String returns a human-readable description of the filter config
func (f FilterConfig) String() string {
	if !f.OnlyEnabled && !f.RequireServiceTag && len(f.AdditionalTags) == 0 {
		return "no filtering (all flags stored)"
	}

	var filters []string
	if f.OnlyEnabled {
		filters = append(filters, "enabled=true")
	}
	if f.RequireServiceTag {
		filters = append(filters, fmt.Sprintf("service=%s", f.ServiceName))
	}
	if len(f.AdditionalTags) > 0 {
		mode := f.TagMatchMode
		if mode == "" {
			mode = TagMatchAny
		}
		filters = append(filters, fmt.Sprintf("tags=%v (%s)", f.AdditionalTags, mode))
	}

	return fmt.Sprintf("filtering: %v", filters)
}
