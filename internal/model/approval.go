package model

import "time"

type RequesterInfo struct {
	TechnicianID string `json:"technicianId,omitempty"`
	Name         string `json:"name,omitempty"`
	IP           string `json:"ip,omitempty"`
}

type ApprovalRequest struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	Requester   RequesterInfo  `json:"requester"`
	RequestedAt time.Time      `json:"requestedAt"`
	Status      ApprovalStatus `json:"status"`
}
