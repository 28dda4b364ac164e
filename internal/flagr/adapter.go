package flagr

import (
	"encoding/json"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
)

// FlagToDomain converts FlagrFlag to domain.Flag
func FlagToDomain(f *FlagrFlag) domain.Flag {
	return domain.Flag{
		ID:          f.ID,
		Key:         f.Key,
		Description: f.Description,
		Enabled:     f.Enabled,
		Segments:    segmentsToDomain(f.Segments),
		Variants:    variantsToDomain(f.Variants),
		UpdatedAt:   f.UpdatedAt,
		Tags:        tagsToDomain(f.Tags),
	}
}

// FlagsToDomain converts multiple FlagrFlags to domain.Flags
func FlagsToDomain(flags []FlagrFlag) []domain.Flag {
	result := make([]domain.Flag, len(flags))
	for i := range flags {
		result[i] = FlagToDomain(&flags[i])
	}
	return result
}

func segmentsToDomain(segments []FlagrSegment) []domain.Segment {
	result := make([]domain.Segment, len(segments))
	for i, s := range segments {
		result[i] = domain.Segment{
			ID:             s.ID,
			Rank:           s.Rank,
			Description:    s.Description,
			RolloutPercent: int(s.RolloutPercent),
			Constraints:    constraintsToDomain(s.Constraints),
			Distributions:  distributionsToDomain(s.Distributions),
		}
	}
	return result
}

func constraintsToDomain(constraints []FlagrConstraint) []domain.Constraint {
	result := make([]domain.Constraint, len(constraints))
	for i, c := range constraints {
		result[i] = domain.Constraint{
			ID:       c.ID,
			Property: c.Property,
			Operator: domain.Operator(c.Operator),
			Value:    ConstraintValue(c.Value),
		}
	}
	return result
}

// ConstraintValue decodes a JSON encoded constraint value ("\"br\"",
// "18", "[\"a\",\"b\"]"). Anything that is not valid JSON is kept as the
// raw string.
func ConstraintValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func distributionsToDomain(distributions []FlagrDistribution) []domain.Distribution {
	result := make([]domain.Distribution, len(distributions))
	for i, d := range distributions {
		result[i] = domain.Distribution{
			ID:        d.ID,
			VariantID: d.VariantID,
			Percent:   int(d.Percent),
		}
	}
	return result
}

func variantsToDomain(variants []FlagrVariant) []domain.Variant {
	result := make([]domain.Variant, len(variants))
	for i, v := range variants {
		result[i] = domain.Variant{
			ID:         v.ID,
			Key:        v.Key,
			Attachment: v.Attachment,
		}
	}
	return result
}

func tagsToDomain(tags []Tag) []domain.Tag {
	result := make([]domain.Tag, len(tags))
	for i, t := range tags {
		result[i] = domain.Tag{Value: t.Value}
	}
	return result
}
