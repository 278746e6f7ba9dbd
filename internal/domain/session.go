package domain

import "time"

// Fingerprint is the browser identity presented by a session.
type Fingerprint struct {
	UserAgent string `json:"userAgent"`
	Locale    string `json:"locale"`
	Viewport  string `json:"viewport"`
	Timezone  string `json:"timezone"`
}

// BrowserSession is a rotation unit owned by the session manager.
type BrowserSession struct {
	SessionID     string      `json:"sessionId"`
	ProfileID     string      `json:"profileId"`
	Fingerprint   Fingerprint `json:"fingerprint"`
	UseCount      int         `json:"useCount"`
	CreatedAt     time.Time   `json:"createdAt"`
	Retired       bool        `json:"retired"`
	RetiredReason string      `json:"retiredReason,omitempty"`
}
