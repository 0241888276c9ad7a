package domain

import "time"

// TransferSession describes the single authenticated channel shared by every
// remote operation of a run.
type TransferSession struct {
	TargetHost       string    `json:"target_host"`
	RemoteUser       string    `json:"remote_user"`
	ControlChannelID string    `json:"control_channel_id"`
	EstablishedAt    time.Time `json:"established_at"`
}

// IsEstablished reports whether the channel has been opened.
func (s TransferSession) IsEstablished() bool {
	return s.ControlChannelID != "" && !s.EstablishedAt.IsZero()
}
