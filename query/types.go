// Package query holds the conditions record queries are built from
package query

import (
	"github.com/huandu/go-sqlbuilder"
)

// FilterStrategy narrows a records select. Strategies with nothing to filter on
// leave the builder untouched.
type FilterStrategy interface {
	ApplyFilter(sb *sqlbuilder.SelectBuilder)
}
