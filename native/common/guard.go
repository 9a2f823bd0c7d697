package common

import (
	"errors"
	"strings"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(key string) bool
}

// Guard fails with ErrModulePaused when the module, or one of the given
// actions scoped as "module.action", is paused.
func Guard(p PauseView, module string, actions ...string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	for _, action := range actions {
		if action == "" {
			continue
		}
		if p.IsPaused(module + "." + action) {
			return ErrModulePaused
		}
	}
	return nil
}

// StaticPauses is a PauseView backed by a fixed set of keys. Keys are matched
// case-insensitively.
type StaticPauses map[string]bool

func NewStaticPauses(keys map[string]bool) StaticPauses {
	pauses := make(StaticPauses, len(keys))
	for key, paused := range keys {
		pauses[strings.ToLower(strings.TrimSpace(key))] = paused
	}
	return pauses
}

func (s StaticPauses) IsPaused(key string) bool {
	if s == nil {
		return false
	}
	return s[strings.ToLower(key)]
}
