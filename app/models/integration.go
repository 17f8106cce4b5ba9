package models

import "time"

// Integration stores one user's connection to an external tool provider.
// Token columns hold vault-encrypted ciphertext, never plaintext.
// The (user_id, provider) pair is unique; disconnecting flips Active off and
// the row is kept for audit history. Reconnecting reuses the row.
type Integration struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UserID          uint       `gorm:"index:user_provider,unique" json:"user_id"`
	Provider        string     `gorm:"index:user_provider,unique;type:varchar(50)" json:"provider"`
	AccessToken     string     `gorm:"type:text" json:"-"`
	RefreshToken    string     `gorm:"type:text" json:"-"`
	ExpiresAt       *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	Scope           string     `gorm:"type:varchar(512)" json:"scope"`
	Active          bool       `gorm:"index" json:"active"`
	ConnectedAt     time.Time  `json:"connected_at"`
	LastRefreshedAt *time.Time `gorm:"type:timestamp;default:null" json:"last_refreshed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasRefreshToken reports whether a refresh token was issued for this
// integration. Some providers hand out non-refreshable tokens.
func (i *Integration) HasRefreshToken() bool {
	return i.RefreshToken != ""
}

// FreshUntil reports whether the access token is still usable at instant now
// given the proactive refresh margin. A nil expiry means the token does not
// expire.
func (i *Integration) FreshUntil(now time.Time, margin time.Duration) bool {
	if i.ExpiresAt == nil {
		return true
	}
	return now.Before(i.ExpiresAt.Add(-margin))
}
