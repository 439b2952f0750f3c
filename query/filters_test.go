package query_test

import (
	"feedsync/query"
	"testing"

	"github.com/huandu/go-sqlbuilder"
	"github.com/stretchr/testify/assert"
)

func TestFiltersBuildWhereClause(t *testing.T) {
	since := int64(100)
	until := int64(200)

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("records.id").From("records")
	for _, filter := range query.FromModel([]int{1, 6}, []string{"a"}, &since, &until) {
		filter.ApplyFilter(sb)
	}

	sql, args := sb.Build()
	assert.Equal(t,
		"SELECT records.id FROM records WHERE records.kind IN (?, ?) AND records.author_id IN (?) AND records.created_at >= ? AND records.created_at < ?",
		sql)
	assert.Equal(t, []interface{}{1, 6, "a", int64(100), int64(200)}, args)
}

func TestEmptyFiltersAddNothing(t *testing.T) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("records.id").From("records")
	for _, filter := range query.FromModel(nil, nil, nil, nil) {
		filter.ApplyFilter(sb)
	}

	sql, args := sb.Build()
	assert.Equal(t, "SELECT records.id FROM records", sql)
	assert.Empty(t, args)
}
