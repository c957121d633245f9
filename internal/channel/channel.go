// Package channel holds the per-channel state of one identity.
package channel

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vovakirdan/chatbridge/internal/irc"
)

// Role is the bot's elevation level inside a channel.
type Role int

const (
	RoleDefault Role = iota
	RoleSubscriber
	RoleVIP
	RoleModerator
	RoleBroadcaster
)

// Elevated reports whether the role skips the per-channel cooldown and the user bucket.
func (r Role) Elevated() bool { return r >= RoleVIP }

func (r Role) String() string {
	switch r {
	case RoleSubscriber:
		return "subscriber"
	case RoleVIP:
		return "vip"
	case RoleModerator:
		return "moderator"
	case RoleBroadcaster:
		return "broadcaster"
	default:
		return "default"
	}
}

// RoleFromBadges derives the role from a USERSTATE badges tag ("moderator/1,subscriber/12").
func RoleFromBadges(badges string) Role {
	role := RoleDefault
	for _, badge := range strings.Split(badges, ",") {
		name, _, _ := strings.Cut(badge, "/")
		var r Role
		switch name {
		case "broadcaster":
			r = RoleBroadcaster
		case "moderator":
			r = RoleModerator
		case "vip":
			r = RoleVIP
		case "subscriber", "founder":
			r = RoleSubscriber
		}
		role = max(role, r)
	}
	return role
}

// State is the mutable record of one joined channel.
type State struct {
	Name string

	mu          sync.Mutex
	lastMessage string
	lastSent    time.Time
	maxLength   int
	role        Role
	member      bool
}

// LastMessage returns the text most recently handed to the pool.
func (s *State) LastMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessage
}

// SetLastMessage records the text most recently handed to the pool.
func (s *State) SetLastMessage(msg string) {
	s.mu.Lock()
	s.lastMessage = msg
	s.mu.Unlock()
}

// LastSent returns the time of the last send that passed the cooldown.
func (s *State) LastSent() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent
}

// MarkSent records t as the last send time.
func (s *State) MarkSent(t time.Time) {
	s.mu.Lock()
	s.lastSent = t
	s.mu.Unlock()
}

// MaxLength returns the configured message limit; 0 means use the default.
func (s *State) MaxLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxLength
}

func (s *State) SetMaxLength(n int) {
	s.mu.Lock()
	s.maxLength = max(n, 0)
	s.mu.Unlock()
}

// Role returns the bot's observed role in the channel.
func (s *State) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *State) SetRole(r Role) {
	s.mu.Lock()
	s.role = r
	s.mu.Unlock()
}

// Member reports whether the channel is part of the identity's membership.
// States created only for sending are not members.
func (s *State) Member() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.member
}

func (s *State) SetMember(member bool) {
	s.mu.Lock()
	s.member = member
	s.mu.Unlock()
}

// Registry maps channel names to their state. It is the only owner of
// channel state; the queue and the identity look entries up here.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*State
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*State)}
}

// Ensure returns the state for name, creating it when missing.
func (r *Registry) Ensure(name string) *State {
	name = irc.ChannelName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.channels[name]
	if !ok {
		st = &State{Name: name}
		r.channels[name] = st
	}
	return st
}

// Get returns the state for name if present.
func (r *Registry) Get(name string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.channels[irc.ChannelName(name)]
	return st, ok
}

// Remove purges the state for name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.channels, irc.ChannelName(name))
	r.mu.Unlock()
}

// Names returns the sorted channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Members returns the sorted names of member channels.
func (r *Registry) Members() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.channels))
	for name, st := range r.channels {
		if st.Member() {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
