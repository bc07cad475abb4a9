package privileged

import (
	"sync"

	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
)

// SudoWindow implements pipeline.SudoStateComponent: a per (user,
// channel, chat) timed grant that /sudo on activates after a two-factor
// approval and that the agent dispatcher consults to decide whether a
// send runs root-mode flags. Not grounded on a single original_source
// file — sudo_cmd.py only ever calls through router.enable_sudo /
// router.sudo_status, so this models the same TTL-map shape the router
// interface implies.
type SudoWindow struct {
	mu             sync.Mutex
	defaultTTL     int
	expiresAtByKey map[string]float64
}

func NewSudoWindow(defaultTTLSeconds int) *SudoWindow {
	if defaultTTLSeconds <= 0 {
		defaultTTLSeconds = 600
	}
	return &SudoWindow{defaultTTL: defaultTTLSeconds, expiresAtByKey: map[string]float64{}}
}

var _ pipeline.SudoStateComponent = (*SudoWindow)(nil)

func sudoKey(userID, channel, chatID string) string {
	return userID + "|" + channel + "|" + chatID
}

func (w *SudoWindow) IsEnabled(userID, channel, chatID string) bool {
	enabled, _ := w.Status(userID, channel, chatID)
	return enabled
}

func (w *SudoWindow) Status(userID, channel, chatID string) (bool, int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := sudoKey(userID, channel, chatID)
	expiresAt, ok := w.expiresAtByKey[key]
	if !ok {
		return false, 0
	}
	remaining := expiresAt - nowUnix()
	if remaining <= 0 {
		delete(w.expiresAtByKey, key)
		return false, 0
	}
	return true, int(remaining)
}

func (w *SudoWindow) Enable(userID, channel, chatID string, ttlSeconds int) {
	if ttlSeconds <= 0 {
		ttlSeconds = w.defaultTTL
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expiresAtByKey[sudoKey(userID, channel, chatID)] = nowUnix() + float64(ttlSeconds)
}

func (w *SudoWindow) Disable(userID, channel, chatID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := sudoKey(userID, channel, chatID)
	_, existed := w.expiresAtByKey[key]
	delete(w.expiresAtByKey, key)
	return existed
}
