// Package engine reconciles the local task store with the remote store.
package engine

import (
	"sync"
	"sync/atomic"
)

// Connectivity is the process-wide online flag.
type Connectivity struct {
	online atomic.Bool
}

func NewConnectivity(online bool) *Connectivity {
	c := &Connectivity{}
	c.online.Store(online)
	return c
}

func (c *Connectivity) Online() bool { return c.online.Load() }

// Set stores online and returns the previous value.
func (c *Connectivity) Set(online bool) bool { return c.online.Swap(online) }

const maxRemaps = 1024

// RemapLog remembers temp to canonical id assignments across passes so
// intents still addressed to a temp id can be redirected.
type RemapLog struct {
	mu    sync.RWMutex
	ids   map[string]string
	order []string
}

func NewRemapLog() *RemapLog {
	return &RemapLog{ids: make(map[string]string)}
}

func (l *RemapLog) Record(from, to string) {
	if from == "" || to == "" || from == to {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[from]; !ok {
		l.order = append(l.order, from)
	}
	l.ids[from] = to
	for len(l.order) > maxRemaps {
		delete(l.ids, l.order[0])
		l.order = l.order[1:]
	}
}

// Resolve follows recorded remaps and returns id unchanged when none apply.
func (l *RemapLog) Resolve(id string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := 0; i < 8; i++ {
		next, ok := l.ids[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}
