// Package auth implements the whitelist-based authorization component
// (spec.md §4.1): per-channel allow-lists, admin/system-admin roles, a
// sliding-window rate limiter, and single-file JSON persistence.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kapy9250/cli-gateway-sub000/pkg/logger"
)

// DenyReason is the abstract reason code returned by CheckDetailed, never
// an exception type, per spec.md §9's error-handling design note.
type DenyReason string

const (
	DenyNone        DenyReason = ""
	DenyRateLimited DenyReason = "rate_limited"
	DenyUnauthorized DenyReason = "unauthorized"
)

type persistedState struct {
	ChannelAllowed   map[string][]string `json:"channel_allowed"`
	AdminUsers       []string            `json:"admin_users"`
	SystemAdminUsers []string            `json:"system_admin_users"`

	// Legacy format migration: a pre-multi-channel state file only had a
	// flat allowed_users list with no channel scoping.
	LegacyAllowedUsers []string `json:"allowed_users,omitempty"`
}

// Auth is the whitelist/role/rate-limit component shared by every
// middleware that needs to authorize an incoming message.
type Auth struct {
	mu sync.Mutex

	channelAllowed   map[string]map[string]struct{}
	adminUsers       map[string]struct{}
	systemAdminUsers map[string]struct{}

	maxRequestsPerMinute int
	requestLog           map[string][]int64 // unix seconds, per user_id

	statePath string
	log       *logger.Logger
}

// Option configures a new Auth instance.
type Option func(*Auth)

func WithStatePath(path string) Option {
	return func(a *Auth) { a.statePath = path }
}

func WithMaxRequestsPerMinute(n int) Option {
	return func(a *Auth) { a.maxRequestsPerMinute = n }
}

func WithLogger(l *logger.Logger) Option {
	return func(a *Auth) { a.log = l }
}

func WithChannelAllowed(m map[string][]string) Option {
	return func(a *Auth) {
		for ch, users := range m {
			a.addChannelUsersLocked(ch, users)
		}
	}
}

func WithAdminUsers(users []string) Option {
	return func(a *Auth) {
		for _, u := range users {
			a.adminUsers[u] = struct{}{}
		}
	}
}

func WithSystemAdminUsers(users []string) Option {
	return func(a *Auth) {
		for _, u := range users {
			a.systemAdminUsers[u] = struct{}{}
		}
	}
}

// New constructs an Auth. If a state_path option is set and the file
// exists, its contents are loaded and override any other option (matching
// the teacher's constructor-then-load-from-disk precedence).
func New(opts ...Option) *Auth {
	a := &Auth{
		channelAllowed:   map[string]map[string]struct{}{},
		adminUsers:       map[string]struct{}{},
		systemAdminUsers: map[string]struct{}{},
		requestLog:       map[string][]int64{},
		log:              logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.statePath != "" {
		if err := a.load(); err != nil {
			a.log.Warn("auth: failed to load state, starting from constructor defaults", logger.Err(err))
		}
	}
	a.log.Info("auth initialized", logger.Int("channels", len(a.channelAllowed)))
	return a
}

func (a *Auth) addChannelUsersLocked(channel string, users []string) {
	set, ok := a.channelAllowed[channel]
	if !ok {
		set = map[string]struct{}{}
		a.channelAllowed[channel] = set
	}
	for _, u := range users {
		set[u] = struct{}{}
	}
}

// Check reports only whether the user is authorized; it never applies the
// rate limiter. Matches the teacher's simple boolean `check`.
func (a *Auth) Check(userID, channel string) bool {
	allowed, _ := a.CheckDetailed(userID, channel)
	return allowed == DenyNone
}

// CheckDetailed applies the allow-list first, then the rate limiter, and
// returns the specific denial reason so middleware can reply accordingly.
// channel == "" checks membership across any configured channel.
func (a *Auth) CheckDetailed(userID, channel string) (DenyReason, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isAllowedLocked(userID, channel) {
		a.log.Warn("unauthorized access attempt", logger.String("user_id", userID), logger.String("channel", channel))
		return DenyUnauthorized, false
	}
	if !a.allowRequestLocked(userID) {
		return DenyRateLimited, false
	}
	return DenyNone, true
}

func (a *Auth) isAllowedLocked(userID, channel string) bool {
	if channel == "" {
		for _, set := range a.channelAllowed {
			if _, ok := set[userID]; ok {
				return true
			}
		}
		return false
	}
	set, ok := a.channelAllowed[channel]
	if !ok {
		return false
	}
	_, ok = set[userID]
	return ok
}

func (a *Auth) allowRequestLocked(userID string) bool {
	if a.maxRequestsPerMinute <= 0 {
		return true
	}
	now := time.Now().Unix()
	cutoff := now - 60
	log := a.requestLog[userID]

	kept := log[:0]
	for _, ts := range log {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= a.maxRequestsPerMinute {
		a.requestLog[userID] = kept
		return false
	}
	a.requestLog[userID] = append(kept, now)
	return true
}

// AddUser adds userID to channel's allow-list.
func (a *Auth) AddUser(userID, channel string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addChannelUsersLocked(channel, []string{userID})
	a.log.Info("added user to whitelist", logger.String("user_id", userID), logger.String("channel", channel))
	a.saveLocked()
}

// RemoveUser removes userID from channel's allow-list. If the user no
// longer belongs to any channel, their admin/system-admin roles are also
// revoked, matching the teacher's cascade.
func (a *Auth) RemoveUser(userID, channel string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.channelAllowed[channel]; ok {
		delete(set, userID)
	}
	if !a.isAllowedLocked(userID, "") {
		delete(a.adminUsers, userID)
		delete(a.systemAdminUsers, userID)
	}
	a.log.Info("removed user from whitelist", logger.String("user_id", userID), logger.String("channel", channel))
	a.saveLocked()
}

func (a *Auth) GetChannelUsers(channel string) map[string]struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[string]struct{}{}
	for u := range a.channelAllowed[channel] {
		out[u] = struct{}{}
	}
	return out
}

// AllowedUsers returns the union of every channel's allow-list.
func (a *Auth) AllowedUsers() map[string]struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := map[string]struct{}{}
	for _, set := range a.channelAllowed {
		for u := range set {
			out[u] = struct{}{}
		}
	}
	return out
}

func (a *Auth) IsAdmin(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.adminUsers[userID]
	return ok
}

func (a *Auth) AddAdmin(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.adminUsers[userID] = struct{}{}
	a.saveLocked()
}

func (a *Auth) RemoveAdmin(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.adminUsers, userID)
	a.saveLocked()
}

func (a *Auth) IsSystemAdmin(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.systemAdminUsers[userID]
	return ok
}

func (a *Auth) AddSystemAdmin(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.systemAdminUsers[userID] = struct{}{}
	a.saveLocked()
}

func (a *Auth) RemoveSystemAdmin(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.systemAdminUsers, userID)
	a.saveLocked()
}

func (a *Auth) load() error {
	data, err := os.ReadFile(a.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("auth: read state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("auth: parse state: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(state.LegacyAllowedUsers) > 0 && len(state.ChannelAllowed) == 0 {
		a.addChannelUsersLocked("telegram", state.LegacyAllowedUsers)
		return nil
	}
	for ch, users := range state.ChannelAllowed {
		a.addChannelUsersLocked(ch, users)
	}
	for _, u := range state.AdminUsers {
		a.adminUsers[u] = struct{}{}
	}
	for _, u := range state.SystemAdminUsers {
		a.systemAdminUsers[u] = struct{}{}
	}
	return nil
}

// saveLocked persists state; called with a.mu held. Errors are logged,
// not returned, matching the teacher's fire-and-forget persistence style.
func (a *Auth) saveLocked() {
	if a.statePath == "" {
		return
	}
	state := persistedState{
		ChannelAllowed:   map[string][]string{},
		AdminUsers:       setToSlice(a.adminUsers),
		SystemAdminUsers: setToSlice(a.systemAdminUsers),
	}
	for ch, set := range a.channelAllowed {
		state.ChannelAllowed[ch] = setToSlice(set)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		a.log.Error("auth: failed to marshal state", logger.Err(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(a.statePath), 0755); err != nil {
		a.log.Error("auth: failed to create state dir", logger.Err(err))
		return
	}
	if err := os.WriteFile(a.statePath, data, 0644); err != nil {
		a.log.Error("auth: failed to write state", logger.Err(err))
	}
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}
