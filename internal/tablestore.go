package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openfoundry/eavkit"
)

// TableValueStore persists attribute values in dedicated side tables, one per
// (logical type, primary-key family) pair, so native column typing and
// indexing apply per value type.
type TableValueStore struct {
	pool      dbPool
	registry  *eavkit.TypeRegistry
	prefix    string
	batchSize int
	nowFunc   func() time.Time
}

// NewTableValueStore creates a tables-mode value store. prefix names the
// shared value-table prefix, batchSize caps entity ids per fetch query.
func NewTableValueStore(pool dbPool, registry *eavkit.TypeRegistry, prefix string, batchSize int) *TableValueStore {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &TableValueStore{
		pool:      pool,
		registry:  registry,
		prefix:    prefix,
		batchSize: batchSize,
		nowFunc:   time.Now,
	}
}

func (s *TableValueStore) withClock(now func() time.Time) {
	if now != nil {
		s.nowFunc = now
	}
}

func familySuffix(fam eavkit.PKFamily) string {
	if fam == eavkit.PKFamilyInt {
		return "int"
	}
	return "uuid"
}

func idColumn(fam eavkit.PKFamily) string {
	if fam == eavkit.PKFamilyInt {
		return "entity_int_id"
	}
	return "entity_id"
}

// TableName returns the side table holding values of the given logical type
// for the given primary-key family.
func (s *TableValueStore) TableName(t eavkit.LogicalType, fam eavkit.PKFamily) string {
	return fmt.Sprintf("%s_%s_%s", s.prefix, t, familySuffix(fam))
}

// Upsert writes one attribute value under its natural key, updating the value
// in place when the (entity_table, entity id, attribute_id) triple already
// exists. The statement is a native atomic upsert, so concurrent writers on
// the same triple resolve last-writer-wins without a read-then-write window.
func (s *TableValueStore) Upsert(ctx context.Context, entityTable string, id eavkit.EntityID, attributeID int64, valueType eavkit.LogicalType, value any) (err error) {
	defer func(start time.Time) { observeOperation("tablestore", "upsert", start, err) }(time.Now())

	resolved, err := s.registry.Resolve(string(valueType))
	if err != nil {
		return err
	}
	converted, err := convertValue(resolved, value)
	if err != nil {
		return fmt.Errorf("convert value for attribute %d: %w", attributeID, err)
	}

	table := s.TableName(resolved, id.Family())
	query := fmt.Sprintf(
		`INSERT INTO %s (entity_table, %s, attribute_id, value, created, modified)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (entity_table, %s, attribute_id)
		DO UPDATE SET value = EXCLUDED.value, modified = EXCLUDED.modified`,
		sanitizeIdentifier(table), idColumn(id.Family()), idColumn(id.Family()),
	)
	zap.S().Debugw("upsert attribute value", "table", table, "entity_table", entityTable, "attribute_id", attributeID)

	if _, err = s.pool.Exec(ctx, query, entityTable, id.Value(), attributeID, converted, s.nowFunc()); err != nil {
		return fmt.Errorf("upsert attribute value: %w", err)
	}
	return nil
}

// BatchFetch retrieves the requested attributes for a page of entities,
// issuing exactly one query per distinct logical type regardless of how many
// attributes of that type are requested. The result maps entity id (string
// form) to a field-name keyed value map.
func (s *TableValueStore) BatchFetch(ctx context.Context, entityTable string, ids []eavkit.EntityID, specs map[string]eavkit.FieldSpec, idsByField map[string]int64) (result map[string]map[string]any, err error) {
	defer func(start time.Time) { observeOperation("tablestore", "batch_fetch", start, err) }(time.Now())

	result = make(map[string]map[string]any, len(ids))
	if len(ids) == 0 || len(specs) == 0 {
		return result, nil
	}
	fam := ids[0].Family()

	for start := 0; start < len(ids); start += s.batchSize {
		end := start + s.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err = s.fetchPage(ctx, entityTable, fam, ids[start:end], specs, idsByField, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *TableValueStore) fetchPage(ctx context.Context, entityTable string, fam eavkit.PKFamily, ids []eavkit.EntityID, specs map[string]eavkit.FieldSpec, idsByField map[string]int64, result map[string]map[string]any) error {
	idArgs := entityIDArgs(fam, ids)

	for _, group := range groupByType(specs, idsByField) {
		resolved, err := s.registry.Resolve(string(group.valueType))
		if err != nil {
			return err
		}
		table := s.TableName(resolved, fam)
		query := fmt.Sprintf(
			"SELECT %s::text, attribute_id, %s FROM %s WHERE entity_table = $1 AND %s = ANY($2) AND attribute_id = ANY($3)",
			idColumn(fam), valueSelectExpr(resolved), sanitizeIdentifier(table), idColumn(fam),
		)
		zap.S().Debugw("batch fetch attribute values", "table", table, "entity_table", entityTable, "attrs", len(group.attrIDs))

		rows, err := s.pool.Query(ctx, query, entityTable, idArgs, group.attrIDs)
		if err != nil {
			return fmt.Errorf("query %s values: %w", resolved, err)
		}

		for rows.Next() {
			var (
				entityKey string
				attrID    int64
			)
			holder := scanHolder(resolved)
			if err := rows.Scan(&entityKey, &attrID, holder); err != nil {
				rows.Close()
				return fmt.Errorf("scan %s value: %w", resolved, err)
			}
			field, ok := group.nameByID[attrID]
			if !ok {
				continue
			}
			value, err := holderValue(resolved, holder)
			if err != nil {
				rows.Close()
				return fmt.Errorf("decode %s value: %w", resolved, err)
			}
			if result[entityKey] == nil {
				result[entityKey] = make(map[string]any)
			}
			result[entityKey][field] = value
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate %s values: %w", resolved, err)
		}
		rows.Close()
	}
	return nil
}

// FilterPredicate builds an EXISTS-style predicate scoped to
// (entity_table, attribute_id) with the operator applied to the value column.
// Entities with no row for the attribute are excluded; absence checks
// (is_null / is_not_null) switch to a NOT EXISTS / EXISTS form without a
// value comparison.
func (s *TableValueStore) FilterPredicate(entityTable string, fam eavkit.PKFamily, hostRef string, attributeID int64, valueType eavkit.LogicalType, op eavkit.Operator, value any, next func() int) (eavkit.Predicate, error) {
	resolved, err := s.registry.Resolve(string(valueType))
	if err != nil {
		return eavkit.Predicate{}, err
	}
	table := sanitizeIdentifier(s.TableName(resolved, fam))
	col := idColumn(fam)

	base := fmt.Sprintf("SELECT 1 FROM %s v WHERE v.entity_table = $%%d AND v.attribute_id = $%%d AND v.%s = %s", table, col, hostRef)

	switch op {
	case eavkit.OpIsNull:
		p1, p2 := next(), next()
		return eavkit.Predicate{
			SQL:  fmt.Sprintf("NOT EXISTS ("+base+")", p1, p2),
			Args: []any{entityTable, attributeID},
		}, nil
	case eavkit.OpIsNotNull:
		p1, p2 := next(), next()
		return eavkit.Predicate{
			SQL:  fmt.Sprintf("EXISTS ("+base+")", p1, p2),
			Args: []any{entityTable, attributeID},
		}, nil
	case eavkit.OpIn, eavkit.OpNotIn:
		elems, err := comparandList(resolved, value)
		if err != nil {
			return eavkit.Predicate{}, err
		}
		if len(elems) == 0 {
			return eavkit.Predicate{}, eavkit.NewEavError(eavkit.ErrorTypeValidation, eavkit.ErrCodeInvalidFilter,
				"set membership filter requires at least one element")
		}
		p1, p2 := next(), next()
		placeholders := make([]string, len(elems))
		args := []any{entityTable, attributeID}
		for i, e := range elems {
			placeholders[i] = fmt.Sprintf("$%d", next())
			args = append(args, e)
		}
		keyword := "IN"
		if op == eavkit.OpNotIn {
			keyword = "NOT IN"
		}
		sql := fmt.Sprintf("EXISTS ("+base+" AND v.value %s (%s))", p1, p2, keyword, strings.Join(placeholders, ", "))
		return eavkit.Predicate{SQL: sql, Args: args}, nil
	default:
		sqlOp, err := sqlOperator(op)
		if err != nil {
			return eavkit.Predicate{}, err
		}
		converted, err := convertValue(resolved, value)
		if err != nil {
			return eavkit.Predicate{}, err
		}
		p1, p2 := next(), next()
		p3 := next()
		sql := fmt.Sprintf("EXISTS ("+base+" AND v.value %s $%d)", p1, p2, sqlOp, p3)
		return eavkit.Predicate{SQL: sql, Args: []any{entityTable, attributeID, converted}}, nil
	}
}

// OrderFragment builds an ORDER BY term as a correlated scalar subquery on
// the attribute's side table. Parameter binding is not available in spliced
// order fragments, so the constants are inlined: attribute_id is numeric and
// the entity table name is quoted as a string literal.
func (s *TableValueStore) OrderFragment(entityTable string, fam eavkit.PKFamily, hostRef string, attributeID int64, valueType eavkit.LogicalType, order eavkit.SortOrder) (string, error) {
	resolved, err := s.registry.Resolve(string(valueType))
	if err != nil {
		return "", err
	}
	direction := "ASC"
	if order == eavkit.SortOrderDesc {
		direction = "DESC"
	}
	sub := fmt.Sprintf(
		"(SELECT v.value FROM %s v WHERE v.entity_table = '%s' AND v.attribute_id = %d AND v.%s = %s)",
		sanitizeIdentifier(s.TableName(resolved, fam)),
		strings.ReplaceAll(entityTable, "'", "''"),
		attributeID, idColumn(fam), hostRef,
	)
	return fmt.Sprintf("%s %s NULLS LAST", sub, direction), nil
}

// DeleteEntity sweeps all side tables of the entity's pk family, removing
// every attribute value the entity owns.
func (s *TableValueStore) DeleteEntity(ctx context.Context, entityTable string, id eavkit.EntityID) (err error) {
	defer func(start time.Time) { observeOperation("tablestore", "delete_entity", start, err) }(time.Now())

	for _, t := range s.registry.StorageTypes() {
		table := s.TableName(t, id.Family())
		query := fmt.Sprintf(
			"DELETE FROM %s WHERE entity_table = $1 AND %s = $2",
			sanitizeIdentifier(table), idColumn(id.Family()),
		)
		if _, err = s.pool.Exec(ctx, query, entityTable, id.Value()); err != nil {
			return fmt.Errorf("delete %s values: %w", t, err)
		}
	}
	return nil
}

func entityIDArgs(fam eavkit.PKFamily, ids []eavkit.EntityID) any {
	if fam == eavkit.PKFamilyInt {
		out := make([]int64, len(ids))
		for i, id := range ids {
			out[i] = id.Int()
		}
		return out
	}
	out := make([]uuid.UUID, len(ids))
	for i, id := range ids {
		out[i] = id.UUID()
	}
	return out
}

func sqlOperator(op eavkit.Operator) (string, error) {
	switch op {
	case eavkit.OpEquals:
		return "=", nil
	case eavkit.OpNotEquals:
		return "<>", nil
	case eavkit.OpGreater:
		return ">", nil
	case eavkit.OpGreaterEq:
		return ">=", nil
	case eavkit.OpLess:
		return "<", nil
	case eavkit.OpLessEq:
		return "<=", nil
	case eavkit.OpLike:
		return "LIKE", nil
	default:
		return "", eavkit.NewEavError(eavkit.ErrorTypeValidation, eavkit.ErrCodeInvalidFilter,
			fmt.Sprintf("unsupported operator %q", op))
	}
}

func comparandList(t eavkit.LogicalType, value any) ([]any, error) {
	var raw []any
	switch v := value.(type) {
	case []any:
		raw = v
	case []string:
		raw = make([]any, len(v))
		for i, e := range v {
			raw[i] = e
		}
	case []int:
		raw = make([]any, len(v))
		for i, e := range v {
			raw[i] = e
		}
	case []int64:
		raw = make([]any, len(v))
		for i, e := range v {
			raw[i] = e
		}
	case []float64:
		raw = make([]any, len(v))
		for i, e := range v {
			raw[i] = e
		}
	case []uuid.UUID:
		raw = make([]any, len(v))
		for i, e := range v {
			raw[i] = e
		}
	case []time.Time:
		raw = make([]any, len(v))
		for i, e := range v {
			raw[i] = e
		}
	default:
		return nil, eavkit.NewEavError(eavkit.ErrorTypeValidation, eavkit.ErrCodeInvalidFilter,
			fmt.Sprintf("set membership filter requires a slice, got %T", value))
	}

	out := make([]any, 0, len(raw))
	for _, e := range raw {
		converted, err := convertValue(t, e)
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
	}
	return out, nil
}

// convertValue normalizes a Go value into the canonical representation for
// the physical column of its logical type. Decimals are carried as strings so
// the database parses them at full precision.
func convertValue(t eavkit.LogicalType, value any) (any, error) {
	if value == nil {
		return nil, fmt.Errorf("nil value for type %s", t)
	}

	switch t {
	case eavkit.TypeString:
		switch v := value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		default:
			return nil, fmt.Errorf("expected string, got %T", value)
		}

	case eavkit.TypeSmallInteger, eavkit.TypeInteger, eavkit.TypeBigInteger, eavkit.TypeForeignKeyInt:
		return toInt64(value)

	case eavkit.TypeDecimal:
		switch v := value.(type) {
		case string:
			if _, ok := tryParseFloat(v); !ok {
				return nil, fmt.Errorf("invalid decimal literal %q", v)
			}
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case float32:
			return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
		case int, int16, int32, int64:
			n, _ := toInt64(v)
			return strconv.FormatInt(n.(int64), 10), nil
		default:
			return nil, fmt.Errorf("expected decimal, got %T", value)
		}

	case eavkit.TypeFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int, int16, int32, int64:
			n, _ := toInt64(v)
			return float64(n.(int64)), nil
		default:
			return nil, fmt.Errorf("expected float, got %T", value)
		}

	case eavkit.TypeBoolean:
		if v, ok := value.(bool); ok {
			return v, nil
		}
		return nil, fmt.Errorf("expected bool, got %T", value)

	case eavkit.TypeDate, eavkit.TypeDatetime:
		switch v := value.(type) {
		case time.Time:
			return v, nil
		case string:
			if parsed, err := time.Parse(time.RFC3339, v); err == nil {
				return parsed, nil
			}
			if parsed, err := time.Parse("2006-01-02", v); err == nil {
				return parsed, nil
			}
			return nil, fmt.Errorf("invalid date literal %q", v)
		default:
			return nil, fmt.Errorf("expected time, got %T", value)
		}

	case eavkit.TypeJSON:
		switch v := value.(type) {
		case string:
			return []byte(v), nil
		case []byte:
			return v, nil
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode json value: %w", err)
			}
			return encoded, nil
		}

	case eavkit.TypeUUID, eavkit.TypeForeignKeyUUID:
		if v, ok := toUUID(value); ok {
			return v, nil
		}
		return nil, fmt.Errorf("expected uuid, got %T", value)

	default:
		return nil, eavkit.NewUnsupportedTypeError(string(t))
	}
}

func toInt64(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		n := int64(v)
		if float64(n) != v {
			return nil, fmt.Errorf("non-integral value %v", v)
		}
		return n, nil
	case string:
		if n, ok := tryParseInt(v); ok {
			return n, nil
		}
		return nil, fmt.Errorf("invalid integer literal %q", v)
	default:
		return nil, fmt.Errorf("expected integer, got %T", value)
	}
}

// valueSelectExpr renders the value column for fetch queries. Types whose
// native pgx decoding would lose precision or need a registered codec are
// cast to text and decoded in holderValue.
func valueSelectExpr(t eavkit.LogicalType) string {
	switch t {
	case eavkit.TypeDecimal, eavkit.TypeUUID, eavkit.TypeForeignKeyUUID, eavkit.TypeJSON:
		return "value::text"
	default:
		return "value"
	}
}

func scanHolder(t eavkit.LogicalType) any {
	switch t {
	case eavkit.TypeString, eavkit.TypeDecimal, eavkit.TypeUUID, eavkit.TypeForeignKeyUUID, eavkit.TypeJSON:
		return new(string)
	case eavkit.TypeSmallInteger:
		return new(int16)
	case eavkit.TypeInteger:
		return new(int32)
	case eavkit.TypeBigInteger, eavkit.TypeForeignKeyInt:
		return new(int64)
	case eavkit.TypeFloat:
		return new(float64)
	case eavkit.TypeBoolean:
		return new(bool)
	case eavkit.TypeDate, eavkit.TypeDatetime:
		return new(time.Time)
	default:
		return new(any)
	}
}

func holderValue(t eavkit.LogicalType, holder any) (any, error) {
	switch t {
	case eavkit.TypeUUID, eavkit.TypeForeignKeyUUID:
		parsed, err := uuid.Parse(*holder.(*string))
		if err != nil {
			return nil, fmt.Errorf("parse uuid: %w", err)
		}
		return parsed, nil
	case eavkit.TypeJSON:
		var decoded any
		if err := json.Unmarshal([]byte(*holder.(*string)), &decoded); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return decoded, nil
	case eavkit.TypeString, eavkit.TypeDecimal:
		return *holder.(*string), nil
	case eavkit.TypeSmallInteger:
		return *holder.(*int16), nil
	case eavkit.TypeInteger:
		return *holder.(*int32), nil
	case eavkit.TypeBigInteger, eavkit.TypeForeignKeyInt:
		return *holder.(*int64), nil
	case eavkit.TypeFloat:
		return *holder.(*float64), nil
	case eavkit.TypeBoolean:
		return *holder.(*bool), nil
	case eavkit.TypeDate, eavkit.TypeDatetime:
		return *holder.(*time.Time), nil
	default:
		return *holder.(*any), nil
	}
}
