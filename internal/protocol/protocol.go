package protocol

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Identity is what the service announces about itself on link.
type Identity struct {
	ServerName  string
	ServerID    string
	Password    string
	Description string
	Nickname    string
	Ident       string
	Host        string
	Realname    string
	Channel     string
}

// Protocol formats outbound traffic for one server-link dialect and names
// the inbound verbs it understands.
type Protocol interface {
	Name() string
	Handshake(id Identity) []Message
	Quit(id Identity, reason string) Message
	Nick(id Identity, newNick string) Message
	Notice(id Identity, target, text string) Message
	Privmsg(id Identity, target, text string) Message
	Pong(id Identity, token string) Message
	// Verbs lists the inbound commands this dialect routes to modules.
	Verbs() []string
}

// Constructor builds a fresh Protocol.
type Constructor func() Protocol

var (
	mu           sync.RWMutex
	constructors = map[string]Constructor{}
)

// Register adds a dialect. It panics on duplicates, which can only happen
// through a programming error at init time.
func Register(name string, ctor Constructor) {
	mu.Lock()
	defer mu.Unlock()
	key := strings.ToLower(name)
	if _, exists := constructors[key]; exists {
		panic(fmt.Sprintf("protocol %q registered twice", name))
	}
	constructors[key] = ctor
}

// Select returns a new instance of the named dialect.
func Select(name string) (Protocol, error) {
	mu.RLock()
	ctor, ok := constructors[strings.ToLower(name)]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown link protocol %q (available: %s)", name, strings.Join(Available(), ", "))
	}
	return ctor(), nil
}

// Available lists the registered dialect names, sorted.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(constructors))
	for name := range constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
