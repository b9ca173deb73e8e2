package rpc

import (
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/vk/servicesd/internal/config"
)

// Credentials holds RPC passwords sealed in encrypted enclaves so they do
// not sit in plain memory between requests.
type Credentials struct {
	mu    sync.RWMutex
	users map[string]*memguard.Enclave
}

// NewCredentials seals every configured user.
func NewCredentials(users []config.RPCUser) *Credentials {
	c := &Credentials{}
	c.Replace(users)
	return c
}

// Replace swaps the whole credential set.
func (c *Credentials) Replace(users []config.RPCUser) {
	sealed := make(map[string]*memguard.Enclave, len(users))
	for _, u := range users {
		if u.Name == "" || u.Password == "" {
			continue
		}
		// NewEnclave wipes its input, so hand it a private copy.
		sealed[strings.ToLower(u.Name)] = memguard.NewEnclave([]byte(u.Password))
	}
	c.mu.Lock()
	c.users = sealed
	c.mu.Unlock()
}

// Verify reports whether password belongs to user.
func (c *Credentials) Verify(user, password string) bool {
	c.mu.RLock()
	enclave, ok := c.users[strings.ToLower(user)]
	c.mu.RUnlock()
	if !ok || enclave == nil {
		return false
	}
	buf, err := enclave.Open()
	if err != nil {
		return false
	}
	defer buf.Destroy()
	return buf.EqualTo([]byte(password))
}

// Len returns the number of users.
func (c *Credentials) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.users)
}
