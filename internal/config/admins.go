package config

import (
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// AdminSet is the live admin allow-list. It can be swapped while the bot runs.
type AdminSet struct {
	mu  sync.RWMutex
	ids map[int64]struct{}
}

func NewAdminSet(ids []int64) *AdminSet {
	s := &AdminSet{}
	s.Replace(ids)
	return s
}

// IsAdmin reports whether identity is currently on the allow-list.
func (s *AdminSet) IsAdmin(id int64) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Replace swaps the whole allow-list.
func (s *AdminSet) Replace(ids []int64) {
	next := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	s.mu.Lock()
	s.ids = next
	s.mu.Unlock()
}

// IDs returns the allow-list in ascending order.
func (s *AdminSet) IDs() []int64 {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	out := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WatchAdmins reloads the admin list from path whenever the file changes.
// onError receives parse failures; the previous list stays active in that case.
func WatchAdmins(path string, set *AdminSet, onChange func([]int64), onError func(error)) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := Load(path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		set.Replace(cfg.Admins)
		if onChange != nil {
			onChange(set.IDs())
		}
	})
	v.WatchConfig()
}
