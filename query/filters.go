package query

import (
	"github.com/huandu/go-sqlbuilder"
	"github.com/samber/lo"
)

// KindFilter keeps records of the given kinds
type KindFilter struct {
	Kinds []int
}

func (f *KindFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	if len(f.Kinds) > 0 {
		sb.Where(sb.In("records.kind", lo.ToAnySlice(f.Kinds)...))
	}
}

// AuthorFilter keeps records by the given authors
type AuthorFilter struct {
	Authors []string
}

func (f *AuthorFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	if len(f.Authors) > 0 {
		sb.Where(sb.In("records.author_id", lo.ToAnySlice(f.Authors)...))
	}
}

// SinceFilter keeps records created at or after Since (unix seconds)
type SinceFilter struct {
	Since int64
}

func (f *SinceFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.GreaterEqualThan("records.created_at", f.Since))
}

// UntilFilter keeps records created strictly before Until (unix seconds)
type UntilFilter struct {
	Until int64
}

func (f *UntilFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.LessThan("records.created_at", f.Until))
}

// FromModel converts a relay filter into store filters
func FromModel(kinds []int, authors []string, since *int64, until *int64) []FilterStrategy {
	filters := []FilterStrategy{
		&KindFilter{Kinds: kinds},
		&AuthorFilter{Authors: authors},
	}
	if since != nil {
		filters = append(filters, &SinceFilter{Since: *since})
	}
	if until != nil {
		filters = append(filters, &UntilFilter{Until: *until})
	}
	return filters
}

var _ FilterStrategy = (*KindFilter)(nil)
var _ FilterStrategy = (*AuthorFilter)(nil)
var _ FilterStrategy = (*SinceFilter)(nil)
var _ FilterStrategy = (*UntilFilter)(nil)
