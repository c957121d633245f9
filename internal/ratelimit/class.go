package ratelimit

import "time"

// DefaultWindow is the refill window of every chat bucket.
const DefaultWindow = 30 * time.Second

// Per-window message limits by account tier.
const (
	NormalUser        = 20
	NormalModerator   = 100
	KnownUser         = 50
	KnownModerator    = 100
	VerifiedUser      = 7500
	VerifiedModerator = 7500

	// JoinLimit caps JOIN directives per window and connection.
	JoinLimit = 15
)

// Limits is the pair of buckets an identity sends under.
type Limits struct {
	User      int `json:"rateLimitUser"`
	Moderator int `json:"rateLimitModerator"`
}

// Normal is the tier every new account starts in.
func Normal() Limits {
	return Limits{User: NormalUser, Moderator: NormalModerator}
}

// WithDefaults fills zero limits from the normal tier.
func (l Limits) WithDefaults() Limits {
	if l.User <= 0 {
		l.User = NormalUser
	}
	if l.Moderator <= 0 {
		l.Moderator = NormalModerator
	}
	return l
}

// Verified reports whether the moderator limit is the verified-bot tier.
func (l Limits) Verified() bool {
	return l.Moderator >= VerifiedModerator
}
