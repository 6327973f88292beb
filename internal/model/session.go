package model

import (
	"time"
)

type Session struct {
	ID                 string        `db:"id" json:"id"`
	TechnicianID       *string       `db:"technician_id" json:"technicianId,omitempty"`
	DeviceID           *string       `db:"device_id" json:"deviceId,omitempty"`
	Hostname           *string       `db:"hostname" json:"hostname,omitempty"`
	AutoCreated        bool          `db:"auto_created" json:"autoCreated"`
	Status             SessionStatus `db:"status" json:"status"`
	AllowUnattended    bool          `db:"allow_unattended" json:"allowUnattended"`
	HelperConnected    bool          `db:"helper_connected" json:"helperConnected"`
	ActiveTechnicians  int           `db:"active_technicians" json:"activeTechnicians"`
	ViewingTechnicians int           `db:"viewing_technicians" json:"viewingTechnicians"`
	BillableSeconds    int64         `db:"billable_seconds" json:"billableSeconds"`
	BillableStartedAt  *time.Time    `db:"billable_started_at" json:"billableStartedAt,omitempty"`
	ConnectedAt        *time.Time    `db:"connected_at" json:"connectedAt,omitempty"`
	EndedAt            *time.Time    `db:"ended_at" json:"endedAt,omitempty"`
	ExpiresAt          time.Time     `db:"expires_at" json:"expiresAt"`
	CreatedAt          time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updatedAt"`
}

func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// BillingStart returns the patch opening a billable window. A window that is
// already open is left untouched.
func (s *Session) BillingStart(now time.Time) SessionPatch {
	if s.BillableStartedAt != nil {
		return nil
	}
	return SessionPatch{ColBillableStartedAt: now}
}

// BillingStop folds the open window into the accumulated total. The total
// never decreases, even when the clock moved backwards.
func (s *Session) BillingStop(now time.Time) SessionPatch {
	if s.BillableStartedAt == nil {
		return nil
	}
	elapsed := int64(now.Sub(*s.BillableStartedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	return SessionPatch{
		ColBillableSeconds:   s.BillableSeconds + elapsed,
		ColBillableStartedAt: nil,
	}
}

type CreateSessionParams struct {
	ID              string
	TechnicianID    *string
	DeviceID        *string
	Hostname        *string
	AutoCreated     bool
	AllowUnattended bool
	ExpiresAt       time.Time
}
