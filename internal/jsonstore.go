package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfoundry/eavkit"
)

// JSONColumnStore rewrites logical attribute predicates, projections and
// orderings into JSON-extraction SQL fragments against a single JSONB column
// on the host table, with type-aware casting.
type JSONColumnStore struct {
	column    string
	registry  *eavkit.TypeRegistry
	typeMap   map[string]eavkit.LogicalType
	directory *PostgresAttributeDirectory
}

// NewJSONColumnStore creates a json-column-mode value store. typeMap is the
// explicit per-table attribute type configuration; directory may be nil, in
// which case the directory lookup step of type resolution is skipped.
func NewJSONColumnStore(column string, registry *eavkit.TypeRegistry, typeMap map[string]eavkit.LogicalType, directory *PostgresAttributeDirectory) *JSONColumnStore {
	return &JSONColumnStore{
		column:    column,
		registry:  registry,
		typeMap:   typeMap,
		directory: directory,
	}
}

// columnRef returns the qualified JSONB column reference. The column name is
// required configuration but may be set late, so its absence surfaces here,
// at the first operation that needs it.
func (s *JSONColumnStore) columnRef(hostAlias string) (string, error) {
	if s.column == "" {
		return "", eavkit.NewConfigurationError("storage.jsonColumn",
			"json column storage mode requires a column name")
	}
	if hostAlias == "" {
		return sanitizeIdentifier(s.column), nil
	}
	return sanitizeIdentifier(hostAlias) + "." + sanitizeIdentifier(s.column), nil
}

// ResolveType determines the logical type for an attribute key with the
// precedence: explicit type map, directory lookup by name, inference from
// the literal comparand, plain string.
func (s *JSONColumnStore) ResolveType(ctx context.Context, attr string, literal any) eavkit.LogicalType {
	if t, ok := s.typeMap[attr]; ok {
		return t
	}
	if s.directory != nil {
		if rec, err := s.directory.Get(ctx, attr); err == nil {
			if resolved, err := s.registry.Resolve(string(rec.DataType)); err == nil {
				return resolved
			}
		}
	}
	if t, ok := inferLiteralType(literal); ok {
		return t
	}
	return eavkit.TypeString
}

// inferLiteralType guesses a logical type from a literal's native
// representation. Best effort only; the explicit map always wins.
func inferLiteralType(literal any) (eavkit.LogicalType, bool) {
	switch v := literal.(type) {
	case bool:
		return eavkit.TypeBoolean, true
	case int, int16, int32, int64:
		return eavkit.TypeInteger, true
	case float32, float64:
		return eavkit.TypeFloat, true
	case time.Time:
		return eavkit.TypeDatetime, true
	case uuid.UUID:
		return eavkit.TypeUUID, true
	case string:
		if _, ok := tryParseInt(v); ok {
			return eavkit.TypeInteger, true
		}
		if _, ok := tryParseFloat(v); ok {
			return eavkit.TypeFloat, true
		}
		if looksLikeDate(v) {
			return eavkit.TypeDatetime, true
		}
		return eavkit.TypeString, true
	default:
		return "", false
	}
}

// castSuffix selects the physical cast applied to the JSON-extracted text
// value. Plain string and json stay uncast and compare as text.
func castSuffix(t eavkit.LogicalType) string {
	switch t {
	case eavkit.TypeSmallInteger, eavkit.TypeInteger, eavkit.TypeBigInteger, eavkit.TypeForeignKeyInt:
		return "::bigint"
	case eavkit.TypeDecimal:
		return "::numeric"
	case eavkit.TypeFloat:
		return "::double precision"
	case eavkit.TypeBoolean:
		return "::boolean"
	case eavkit.TypeDate:
		return "::date"
	case eavkit.TypeDatetime:
		return "::timestamptz"
	case eavkit.TypeUUID, eavkit.TypeForeignKeyUUID:
		return "::uuid"
	default:
		return ""
	}
}

func (s *JSONColumnStore) extractExpr(hostAlias, attr string, t eavkit.LogicalType) (string, error) {
	col, err := s.columnRef(hostAlias)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s->>'%s')%s", col, escapeJSONKey(attr), castSuffix(t)), nil
}

// BuildProjection builds a select fragment aliasing the extracted and cast
// value under the attribute name.
func (s *JSONColumnStore) BuildProjection(hostAlias, attr string, t eavkit.LogicalType) (string, error) {
	expr, err := s.extractExpr(hostAlias, attr, t)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s AS %s", expr, sanitizeIdentifier(attr)), nil
}

// BuildPredicate builds a where fragment for one attribute filter. Absence
// checks use a key-existence predicate, since a JSON key can be wholly
// absent; set membership expands to one bound parameter per element.
func (s *JSONColumnStore) BuildPredicate(hostAlias, attr string, op eavkit.Operator, value any, t eavkit.LogicalType, next func() int) (eavkit.Predicate, error) {
	switch op {
	case eavkit.OpIsNull, eavkit.OpIsNotNull:
		col, err := s.columnRef(hostAlias)
		if err != nil {
			return eavkit.Predicate{}, err
		}
		sql := fmt.Sprintf("(%s ? '%s')", col, escapeJSONKey(attr))
		if op == eavkit.OpIsNull {
			sql = "NOT " + sql
		}
		return eavkit.Predicate{SQL: sql}, nil
	}

	expr, err := s.extractExpr(hostAlias, attr, t)
	if err != nil {
		return eavkit.Predicate{}, err
	}

	switch op {
	case eavkit.OpIn, eavkit.OpNotIn:
		elems, err := comparandList(t, value)
		if err != nil {
			return eavkit.Predicate{}, err
		}
		if len(elems) == 0 {
			return eavkit.Predicate{}, eavkit.NewEavError(eavkit.ErrorTypeValidation, eavkit.ErrCodeInvalidFilter,
				"set membership filter requires at least one element")
		}
		placeholders := make([]string, len(elems))
		for i := range elems {
			placeholders[i] = fmt.Sprintf("$%d", next())
		}
		keyword := "IN"
		if op == eavkit.OpNotIn {
			keyword = "NOT IN"
		}
		return eavkit.Predicate{
			SQL:  fmt.Sprintf("%s %s (%s)", expr, keyword, strings.Join(placeholders, ", ")),
			Args: elems,
		}, nil
	case eavkit.OpLike:
		col, err := s.columnRef(hostAlias)
		if err != nil {
			return eavkit.Predicate{}, err
		}
		// Pattern matching always compares the raw text.
		return eavkit.Predicate{
			SQL:  fmt.Sprintf("(%s->>'%s') LIKE $%d", col, escapeJSONKey(attr), next()),
			Args: []any{value},
		}, nil
	default:
		sqlOp, err := sqlOperator(op)
		if err != nil {
			return eavkit.Predicate{}, err
		}
		converted, err := convertValue(t, value)
		if err != nil {
			return eavkit.Predicate{}, err
		}
		return eavkit.Predicate{
			SQL:  fmt.Sprintf("%s %s $%d", expr, sqlOp, next()),
			Args: []any{converted},
		}, nil
	}
}

// BuildOrder builds an order-by fragment. Rows where the key is absent or
// null sort last regardless of direction, keeping sparse-attribute ordering
// intuitive.
func (s *JSONColumnStore) BuildOrder(hostAlias, attr string, order eavkit.SortOrder, t eavkit.LogicalType) (string, error) {
	expr, err := s.extractExpr(hostAlias, attr, t)
	if err != nil {
		return "", err
	}
	direction := "ASC"
	if order == eavkit.SortOrderDesc {
		direction = "DESC"
	}
	return fmt.Sprintf("%s %s NULLS LAST", expr, direction), nil
}

// BuildBundleUpdate builds the new-bundle expression applying the key
// changes atomically over the existing document, so concurrent writers on
// disjoint keys need no application-level locking. Unset values remove their
// key entirely instead of storing an explicit null.
func (s *JSONColumnStore) BuildBundleUpdate(hostAlias string, changes map[string]any, next func() int) (string, []any, error) {
	col, err := s.columnRef(hostAlias)
	if err != nil {
		return "", nil, err
	}

	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	expr := fmt.Sprintf("COALESCE(%s, '{}'::jsonb)", col)
	var args []any
	for _, key := range keys {
		value := changes[key]
		if eavkit.IsUnset(value) {
			expr = fmt.Sprintf("(%s - '%s')", expr, escapeJSONKey(key))
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return "", nil, fmt.Errorf("encode value for key %q: %w", key, err)
		}
		expr = fmt.Sprintf("jsonb_set(%s, ARRAY['%s'], $%d::jsonb, true)", expr, escapeJSONKey(key), next())
		args = append(args, string(encoded))
	}
	return expr, args, nil
}
