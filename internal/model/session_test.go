package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionBilling(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("start opens a window once", func(t *testing.T) {
		s := &Session{}
		assert.Equal(t, SessionPatch{ColBillableStartedAt: now}, s.BillingStart(now))

		started := now.Add(-time.Minute)
		s.BillableStartedAt = &started
		assert.Nil(t, s.BillingStart(now))
	})

	t.Run("stop adds elapsed seconds", func(t *testing.T) {
		started := now.Add(-90 * time.Second)
		s := &Session{BillableSeconds: 10, BillableStartedAt: &started}

		patch := s.BillingStop(now)
		assert.Equal(t, int64(100), patch[ColBillableSeconds])
		assert.Nil(t, patch[ColBillableStartedAt])
		assert.Contains(t, patch, ColBillableStartedAt)
	})

	t.Run("stop never decreases the total", func(t *testing.T) {
		started := now.Add(time.Minute)
		s := &Session{BillableSeconds: 42, BillableStartedAt: &started}

		patch := s.BillingStop(now)
		assert.Equal(t, int64(42), patch[ColBillableSeconds])
	})

	t.Run("stop without window is a no-op", func(t *testing.T) {
		s := &Session{BillableSeconds: 5}
		assert.Nil(t, s.BillingStop(now))
	})
}

func TestSessionPatch(t *testing.T) {
	p := SessionPatch{ColStatus: SessionStatusConnected, ColBillableSeconds: int64(3)}

	assert.Equal(t, []string{ColBillableSeconds, ColStatus}, p.Columns())
	assert.Equal(t, SessionPatch{ColStatus: SessionStatusConnected}, p.Without(ColBillableSeconds))
	assert.Len(t, p, 2, "Without must not mutate the receiver")

	merged := SessionPatch(nil).Merge(p)
	assert.Equal(t, p, merged)
}

func TestColumns(t *testing.T) {
	assert.True(t, IsWritableSessionColumn(ColStatus))
	assert.False(t, IsWritableSessionColumn("id; DROP TABLE sessions"))
	assert.True(t, IsOptionalSessionColumn(ColBillableSeconds))
	assert.False(t, IsOptionalSessionColumn(ColStatus))
}

func TestSessionIsExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, (&Session{ExpiresAt: now.Add(-time.Second)}).IsExpired(now))
	assert.False(t, (&Session{ExpiresAt: now.Add(time.Minute)}).IsExpired(now))
	assert.False(t, (&Session{}).IsExpired(now))
}
