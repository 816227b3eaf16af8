package hub

import (
	"fmt"
	"sync"
)

// RateLimiter caps parallel connections per user identity.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]map[string]bool // userID -> clientID set
	max     int
}

const defaultMaxParallelConnections = 8

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]map[string]bool),
		max:     defaultMaxParallelConnections,
	}
}

func (rl *RateLimiter) RegisterConnection(userID, clientID string) error {
	if userID == "" {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	conns, ok := rl.clients[userID]
	if !ok {
		conns = make(map[string]bool)
		rl.clients[userID] = conns
	}
	if rl.max > 0 && len(conns) >= rl.max {
		return fmt.Errorf("connection limit reached: %d active connections", rl.max)
	}
	conns[clientID] = true
	return nil
}

func (rl *RateLimiter) UnregisterConnection(userID, clientID string) {
	if userID == "" {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if conns, ok := rl.clients[userID]; ok {
		delete(conns, clientID)
		if len(conns) == 0 {
			delete(rl.clients, userID)
		}
	}
}
