package internal

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openfoundry/eavkit"
)

// dbPool is the subset of pgxpool.Pool the components need. pgxmock pools
// satisfy it in tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// fetchGroup collects the attributes of one logical type requested in a
// batched fetch, so exactly one query per distinct type is issued.
type fetchGroup struct {
	valueType eavkit.LogicalType
	attrIDs   []int64
	nameByID  map[int64]string
}

// groupByType buckets resolved field specs by logical type. Group and id
// order is sorted so generated queries are deterministic.
func groupByType(specs map[string]eavkit.FieldSpec, idsByField map[string]int64) []fetchGroup {
	groups := make(map[eavkit.LogicalType]*fetchGroup)
	for field, spec := range specs {
		attrID, ok := idsByField[field]
		if !ok {
			continue
		}
		g, ok := groups[spec.DataType]
		if !ok {
			g = &fetchGroup{
				valueType: spec.DataType,
				nameByID:  make(map[int64]string),
			}
			groups[spec.DataType] = g
		}
		g.attrIDs = append(g.attrIDs, attrID)
		g.nameByID[attrID] = field
	}

	order := make([]eavkit.LogicalType, 0, len(groups))
	for t := range groups {
		order = append(order, t)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	result := make([]fetchGroup, 0, len(order))
	for _, t := range order {
		g := groups[t]
		sort.Slice(g.attrIDs, func(i, j int) bool { return g.attrIDs[i] < g.attrIDs[j] })
		result = append(result, *g)
	}
	return result
}
