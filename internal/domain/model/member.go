package model

import "time"

// Member is one identity in the tracked set.
type Member struct {
	FID          int64     `json:"fid"`
	Pinned       bool      `json:"pinned"`
	TrackedAt    time.Time `json:"tracked_at"`
	LastViewedAt time.Time `json:"last_viewed_at,omitempty"`
}

// Recency is the instant used to order members for eviction: the last view,
// or the insertion time when the member was never viewed.
func (m Member) Recency() time.Time {
	if m.LastViewedAt.After(m.TrackedAt) {
		return m.LastViewedAt
	}
	return m.TrackedAt
}

// Profile carries display fields returned alongside a score by the scoring source.
type Profile struct {
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	PfpURL      string `json:"pfp_url,omitempty"`
}
