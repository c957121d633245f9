package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an identity has no stored record.
var ErrNotFound = errors.New("not found")

// IdentityRecord is the persisted view of one bot identity.
type IdentityRecord struct {
	ApplicationID string
	IdentityID    string
	Name          string
	Channels      []string
	UpdatedAt     time.Time
}

// ChannelStore persists the channel list of every identity so it survives
// restarts and can be edited out of band.
type ChannelStore interface {
	// Channels returns the stored channel names of an identity, sorted.
	// An unknown identity yields an empty list.
	Channels(ctx context.Context, appID, identityID string) ([]string, error)
	// SetChannels replaces the stored list.
	SetChannels(ctx context.Context, appID, identityID string, channels []string) error
	// SaveIdentity records the display name, creating the identity if needed.
	SaveIdentity(ctx context.Context, appID, identityID, name string) error
	// Identity returns the stored record.
	Identity(ctx context.Context, appID, identityID string) (*IdentityRecord, error)
	// DeleteIdentity removes the identity and its channels.
	DeleteIdentity(ctx context.Context, appID, identityID string) error
	Close() error
}
