package model

type SessionStatus string

const (
	SessionStatusWaiting   SessionStatus = "waiting"
	SessionStatusConnected SessionStatus = "connected"
)

// Role of a signaling endpoint inside a session room.
type Role string

const (
	RoleSource Role = "source"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	return r == RoleSource || r == RoleViewer
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalTimeout  ApprovalStatus = "timeout"
)
