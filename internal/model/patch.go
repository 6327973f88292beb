package model

import "sort"

// Session columns the relay core writes.
const (
	ColStatus             = "status"
	ColHelperConnected    = "helper_connected"
	ColActiveTechnicians  = "active_technicians"
	ColViewingTechnicians = "viewing_technicians"
	ColBillableStartedAt  = "billable_started_at"
	ColBillableSeconds    = "billable_seconds"
	ColConnectedAt        = "connected_at"
	ColEndedAt            = "ended_at"
	ColAllowUnattended    = "allow_unattended"
)

// OptionalSessionColumns may be missing from older session schemas.
var OptionalSessionColumns = []string{
	ColHelperConnected,
	ColActiveTechnicians,
	ColViewingTechnicians,
	ColBillableStartedAt,
	ColBillableSeconds,
	ColConnectedAt,
	ColEndedAt,
}

var writableSessionColumns = map[string]bool{
	ColStatus:             true,
	ColHelperConnected:    true,
	ColActiveTechnicians:  true,
	ColViewingTechnicians: true,
	ColBillableStartedAt:  true,
	ColBillableSeconds:    true,
	ColConnectedAt:        true,
	ColEndedAt:            true,
	ColAllowUnattended:    true,
}

func IsWritableSessionColumn(col string) bool {
	return writableSessionColumns[col]
}

func IsOptionalSessionColumn(col string) bool {
	for _, c := range OptionalSessionColumns {
		if c == col {
			return true
		}
	}
	return false
}

// SessionPatch is a partial update keyed by column name.
type SessionPatch map[string]any

// Merge copies other into p, overwriting duplicate columns.
func (p SessionPatch) Merge(other SessionPatch) SessionPatch {
	if p == nil {
		p = SessionPatch{}
	}
	for k, v := range other {
		p[k] = v
	}
	return p
}

// Without returns a copy of p minus the given column.
func (p SessionPatch) Without(col string) SessionPatch {
	out := make(SessionPatch, len(p))
	for k, v := range p {
		if k != col {
			out[k] = v
		}
	}
	return out
}

// Columns returns the patch keys in a stable order.
func (p SessionPatch) Columns() []string {
	cols := make([]string, 0, len(p))
	for k := range p {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
