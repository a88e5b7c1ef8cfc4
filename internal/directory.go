package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/openfoundry/eavkit"
)

const pgUniqueViolation = "23505"

// PostgresAttributeDirectory is the canonical attribute registry backed by
// the directory tables. Resolved name/id pairs are cached per process.
type PostgresAttributeDirectory struct {
	pool     dbPool
	registry *eavkit.TypeRegistry
	tables   eavkit.TableNames
	nowFunc  func() time.Time

	mu       sync.RWMutex
	byName   map[string]int64
	nameByID map[int64]string
}

// NewPostgresAttributeDirectory creates a directory over the given pool and
// table names.
func NewPostgresAttributeDirectory(pool dbPool, registry *eavkit.TypeRegistry, tables eavkit.TableNames) *PostgresAttributeDirectory {
	return &PostgresAttributeDirectory{
		pool:     pool,
		registry: registry,
		tables:   tables,
		nowFunc:  time.Now,
		byName:   make(map[string]int64),
		nameByID: make(map[int64]string),
	}
}

func (d *PostgresAttributeDirectory) withClock(now func() time.Time) {
	if now != nil {
		d.nowFunc = now
	}
}

func (d *PostgresAttributeDirectory) cacheGet(name string) (int64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byName[name]
	return id, ok
}

func (d *PostgresAttributeDirectory) cachePut(name string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byName[name] = id
	d.nameByID[id] = name
}

func (d *PostgresAttributeDirectory) cacheDrop(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name, ok := d.nameByID[id]; ok {
		delete(d.byName, name)
		delete(d.nameByID, id)
	}
}

// ResolveOrCreate looks an attribute up by unique name, creating it with
// defaultType (string when unspecified) on first sight. A duplicate-key race
// on the unique name is resolved by re-reading once.
func (d *PostgresAttributeDirectory) ResolveOrCreate(ctx context.Context, name string, defaultType eavkit.LogicalType) (id int64, err error) {
	defer func(start time.Time) { observeOperation("directory", "resolve_or_create", start, err) }(time.Now())

	if id, ok := d.cacheGet(name); ok {
		return id, nil
	}

	id, err = d.lookupID(ctx, name)
	if err == nil {
		d.cachePut(name, id)
		return id, nil
	}
	if !eavkit.IsNotFoundError(err) {
		return 0, err
	}

	if defaultType == "" {
		defaultType = eavkit.TypeString
	}
	resolved, err := d.registry.Resolve(string(defaultType))
	if err != nil {
		return 0, err
	}

	now := d.nowFunc()
	query := fmt.Sprintf(
		"INSERT INTO %s (name, data_type, created, modified) VALUES ($1, $2, $3, $3) RETURNING id",
		sanitizeIdentifier(d.tables.Attributes),
	)
	zap.S().Debugw("auto-provision attribute", "name", name, "data_type", resolved)

	err = d.pool.QueryRow(ctx, query, name, string(resolved), now).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// Lost the provisioning race; the row exists now.
			id, err = d.lookupID(ctx, name)
			if err != nil {
				return 0, err
			}
			d.cachePut(name, id)
			return id, nil
		}
		return 0, fmt.Errorf("create attribute %q: %w", name, err)
	}

	d.cachePut(name, id)
	return id, nil
}

func (d *PostgresAttributeDirectory) lookupID(ctx context.Context, name string) (int64, error) {
	query := fmt.Sprintf("SELECT id FROM %s WHERE name = $1", sanitizeIdentifier(d.tables.Attributes))
	var id int64
	if err := d.pool.QueryRow(ctx, query, name).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, eavkit.NewAttributeNotFoundError(name)
		}
		return 0, fmt.Errorf("lookup attribute %q: %w", name, err)
	}
	return id, nil
}

// ResolveName returns the attribute name for an id, used when hydrating
// fetched rows back into named fields.
func (d *PostgresAttributeDirectory) ResolveName(ctx context.Context, attributeID int64) (string, error) {
	d.mu.RLock()
	name, ok := d.nameByID[attributeID]
	d.mu.RUnlock()
	if ok {
		return name, nil
	}

	query := fmt.Sprintf("SELECT name FROM %s WHERE id = $1", sanitizeIdentifier(d.tables.Attributes))
	if err := d.pool.QueryRow(ctx, query, attributeID).Scan(&name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", eavkit.NewAttributeNotFoundError(attributeID)
		}
		return "", fmt.Errorf("lookup attribute id %d: %w", attributeID, err)
	}

	d.cachePut(name, attributeID)
	return name, nil
}

// Create inserts an explicitly defined attribute and fills in its id and
// timestamps.
func (d *PostgresAttributeDirectory) Create(ctx context.Context, attr *eavkit.Attribute) (err error) {
	defer func(start time.Time) { observeOperation("directory", "create", start, err) }(time.Now())

	if attr == nil {
		return fmt.Errorf("attribute cannot be nil")
	}
	resolved, err := d.registry.Resolve(string(attr.DataType))
	if err != nil {
		return err
	}
	attr.DataType = resolved

	var options []byte
	if attr.Options != nil {
		options, err = json.Marshal(attr.Options)
		if err != nil {
			return fmt.Errorf("encode attribute options: %w", err)
		}
	}

	now := d.nowFunc()
	attr.Created = now
	attr.Modified = now

	query := fmt.Sprintf(
		"INSERT INTO %s (name, label, data_type, options, created, modified) VALUES ($1, $2, $3, $4, $5, $5) RETURNING id",
		sanitizeIdentifier(d.tables.Attributes),
	)
	if err = d.pool.QueryRow(ctx, query, attr.Name, attr.Label, string(attr.DataType), options, now).Scan(&attr.ID); err != nil {
		return fmt.Errorf("insert attribute %q: %w", attr.Name, err)
	}

	d.cachePut(attr.Name, attr.ID)
	return nil
}

// Get fetches an attribute by its unique name.
func (d *PostgresAttributeDirectory) Get(ctx context.Context, name string) (*eavkit.Attribute, error) {
	query := fmt.Sprintf(
		"SELECT id, name, label, data_type, options, created, modified FROM %s WHERE name = $1",
		sanitizeIdentifier(d.tables.Attributes),
	)
	attr, err := scanAttribute(d.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eavkit.NewAttributeNotFoundError(name)
		}
		return nil, fmt.Errorf("get attribute %q: %w", name, err)
	}
	d.cachePut(attr.Name, attr.ID)
	return attr, nil
}

// List returns attributes ordered by name.
func (d *PostgresAttributeDirectory) List(ctx context.Context, limit, offset int) ([]*eavkit.Attribute, error) {
	query := fmt.Sprintf(
		"SELECT id, name, label, data_type, options, created, modified FROM %s ORDER BY name LIMIT $1 OFFSET $2",
		sanitizeIdentifier(d.tables.Attributes),
	)
	rows, err := d.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list attributes: %w", err)
	}
	defer rows.Close()

	var attrs []*eavkit.Attribute
	for rows.Next() {
		attr, err := scanAttribute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		attrs = append(attrs, attr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attributes: %w", err)
	}
	return attrs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttribute(row rowScanner) (*eavkit.Attribute, error) {
	var (
		attr     eavkit.Attribute
		label    *string
		dataType string
		options  []byte
	)
	if err := row.Scan(&attr.ID, &attr.Name, &label, &dataType, &options, &attr.Created, &attr.Modified); err != nil {
		return nil, err
	}
	if label != nil {
		attr.Label = *label
	}
	attr.DataType = eavkit.LogicalType(dataType)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &attr.Options); err != nil {
			return nil, fmt.Errorf("decode attribute options: %w", err)
		}
	}
	return &attr, nil
}

// Delete removes an attribute. While any attribute-set membership references
// it, the delete aborts with an AttributeInUseError and leaves all directory
// state untouched.
func (d *PostgresAttributeDirectory) Delete(ctx context.Context, attributeID int64) (err error) {
	defer func(start time.Time) { observeOperation("directory", "delete", start, err) }(time.Now())

	countQuery := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE attribute_id = $1",
		sanitizeIdentifier(d.tables.AttributeSetMembers),
	)
	var memberships int
	if err = d.pool.QueryRow(ctx, countQuery, attributeID).Scan(&memberships); err != nil {
		return fmt.Errorf("check attribute memberships: %w", err)
	}
	if memberships > 0 {
		return eavkit.NewAttributeInUseError(attributeID, memberships)
	}

	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", sanitizeIdentifier(d.tables.Attributes))
	tag, err := d.pool.Exec(ctx, deleteQuery, attributeID)
	if err != nil {
		return fmt.Errorf("delete attribute %d: %w", attributeID, err)
	}
	if tag.RowsAffected() == 0 {
		return eavkit.NewAttributeNotFoundError(attributeID)
	}

	d.cacheDrop(attributeID)
	return nil
}

// CreateSet inserts an attribute set and fills in its id and timestamps.
func (d *PostgresAttributeDirectory) CreateSet(ctx context.Context, set *eavkit.AttributeSet) error {
	if set == nil {
		return fmt.Errorf("attribute set cannot be nil")
	}
	now := d.nowFunc()
	set.Created = now
	set.Modified = now

	query := fmt.Sprintf(
		"INSERT INTO %s (name, created, modified) VALUES ($1, $2, $2) RETURNING id",
		sanitizeIdentifier(d.tables.AttributeSets),
	)
	if err := d.pool.QueryRow(ctx, query, set.Name, now).Scan(&set.ID); err != nil {
		return fmt.Errorf("insert attribute set %q: %w", set.Name, err)
	}
	return nil
}

// DeleteSet removes an attribute set. Membership rows go with it via the
// cascading foreign key, releasing the member attributes for deletion.
func (d *PostgresAttributeDirectory) DeleteSet(ctx context.Context, setID int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", sanitizeIdentifier(d.tables.AttributeSets))
	tag, err := d.pool.Exec(ctx, query, setID)
	if err != nil {
		return fmt.Errorf("delete attribute set %d: %w", setID, err)
	}
	if tag.RowsAffected() == 0 {
		return eavkit.NewEavError(eavkit.ErrorTypeNotFound, eavkit.ErrCodeSetNotFound,
			fmt.Sprintf("attribute set %d not found", setID))
	}
	return nil
}

// AddToSet links an attribute into a set at the given display position,
// moving it if the membership already exists.
func (d *PostgresAttributeDirectory) AddToSet(ctx context.Context, setID, attributeID int64, position int) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (attribute_set_id, attribute_id, position) VALUES ($1, $2, $3)
		ON CONFLICT (attribute_set_id, attribute_id) DO UPDATE SET position = EXCLUDED.position`,
		sanitizeIdentifier(d.tables.AttributeSetMembers),
	)
	if _, err := d.pool.Exec(ctx, query, setID, attributeID, position); err != nil {
		return fmt.Errorf("add attribute %d to set %d: %w", attributeID, setID, err)
	}
	return nil
}

// RemoveFromSet removes a membership row.
func (d *PostgresAttributeDirectory) RemoveFromSet(ctx context.Context, setID, attributeID int64) error {
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE attribute_set_id = $1 AND attribute_id = $2",
		sanitizeIdentifier(d.tables.AttributeSetMembers),
	)
	if _, err := d.pool.Exec(ctx, query, setID, attributeID); err != nil {
		return fmt.Errorf("remove attribute %d from set %d: %w", attributeID, setID, err)
	}
	return nil
}

// SetMembers returns the memberships of a set in display order.
func (d *PostgresAttributeDirectory) SetMembers(ctx context.Context, setID int64) ([]eavkit.AttributeSetMember, error) {
	query := fmt.Sprintf(
		"SELECT attribute_set_id, attribute_id, position FROM %s WHERE attribute_set_id = $1 ORDER BY position",
		sanitizeIdentifier(d.tables.AttributeSetMembers),
	)
	rows, err := d.pool.Query(ctx, query, setID)
	if err != nil {
		return nil, fmt.Errorf("list set members: %w", err)
	}
	defer rows.Close()

	var members []eavkit.AttributeSetMember
	for rows.Next() {
		var m eavkit.AttributeSetMember
		if err := rows.Scan(&m.AttributeSetID, &m.AttributeID, &m.Position); err != nil {
			return nil, fmt.Errorf("scan set member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate set members: %w", err)
	}
	return members, nil
}
