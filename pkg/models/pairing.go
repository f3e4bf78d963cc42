package models

import "time"

// PairingStatus is the lifecycle state of a PairingRequest.
type PairingStatus string

const (
	PairingPending  PairingStatus = "pending"
	PairingApproved PairingStatus = "approved"
	PairingDenied   PairingStatus = "denied"
)

// PairingRequest records a pending operator-approval for an unknown bot
// user's first message. Created by the Bot Connector on first contact,
// resolved by the operator, consumed when the linked session activates.
type PairingRequest struct {
	ID                 string        `json:"id"`
	Platform           ChannelType   `json:"platform"`
	PlatformUserID     string        `json:"platformUserId"`
	PlatformUserDisplay string       `json:"platformUserDisplay,omitempty"`
	PlatformChatID     string        `json:"platformChatId"`
	Status             PairingStatus `json:"status"`
	ApprovedTrustLevel TrustLevel    `json:"approvedTrustLevel,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	ResolvedAt         *time.Time    `json:"resolvedAt,omitempty"`
	ResolvedBy         string        `json:"resolvedBy,omitempty"`
}
