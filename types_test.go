package eavkit

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestEntityID(t *testing.T) {
	uid := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	uuidID := UUIDEntityID(uid)
	assert.Equal(t, PKFamilyUUID, uuidID.Family())
	assert.Equal(t, uid, uuidID.UUID())
	assert.Equal(t, uid, uuidID.Value())
	assert.Equal(t, uid.String(), uuidID.String())
	assert.False(t, uuidID.IsZero())

	intID := IntEntityID(42)
	assert.Equal(t, PKFamilyInt, intID.Family())
	assert.Equal(t, int64(42), intID.Int())
	assert.Equal(t, int64(42), intID.Value())
	assert.Equal(t, "42", intID.String())
	assert.False(t, intID.IsZero())
}

func TestEntityIDIsZero(t *testing.T) {
	assert.True(t, EntityID{}.IsZero())
	assert.True(t, UUIDEntityID(uuid.Nil).IsZero())

	// An integer zero is a legal key value in some schemas, only the empty
	// family marks an unassigned id.
	assert.False(t, IntEntityID(0).IsZero())
}

func TestIsUnset(t *testing.T) {
	assert.True(t, IsUnset(nil))
	assert.True(t, IsUnset(Unset))
	assert.False(t, IsUnset(""))
	assert.False(t, IsUnset(0))
	assert.False(t, IsUnset(false))
}

func TestHostQueryNextParam(t *testing.T) {
	q := &HostQuery{}
	assert.Equal(t, 1, q.NextParam())
	assert.Equal(t, 2, q.NextParam())
	assert.Equal(t, 3, q.NextParam())

	// A host that already bound placeholders hands over the next free index.
	q = &HostQuery{ParamIndex: 5}
	assert.Equal(t, 5, q.NextParam())
	assert.Equal(t, 6, q.NextParam())
}
