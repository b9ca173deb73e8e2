// Package state tracks the network as seen over the link: users by uid and
// nickname, and channel membership. The session loop is the only writer;
// modules read through the accessor methods, which return copies.
package state

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// User is a client on the network.
type User struct {
	UID       string
	Nick      string
	Ident     string
	Host      string
	IP        string
	Realname  string
	Modes     string
	ConnectAt time.Time
	Channels  []string
}

// Channel is a channel and its members (by uid).
type Channel struct {
	Name      string
	CreatedAt time.Time
	Limit     int
	Members   []string
}

// Store holds the users and channels. The zero value is not usable; create
// one with New.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*User
	nicks    map[string]string
	channels map[string]*Channel
}

// New creates an empty store.
func New() *Store {
	s := &Store{}
	s.Clear()
	return s
}

// Clear drops every user and channel.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]*User)
	s.nicks = make(map[string]string)
	s.channels = make(map[string]*Channel)
}

// AddUser inserts or replaces a user.
func (s *Store) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.users[u.UID]; ok {
		delete(s.nicks, strings.ToLower(old.Nick))
	}
	if u.ConnectAt.IsZero() {
		u.ConnectAt = time.Now()
	}
	cp := u
	cp.Channels = nil
	s.users[u.UID] = &cp
	s.nicks[strings.ToLower(u.Nick)] = u.UID
}

// RemoveUser drops a user and its channel memberships.
func (s *Store) RemoveUser(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return false
	}
	for _, ch := range u.Channels {
		s.partLocked(uid, ch)
	}
	delete(s.nicks, strings.ToLower(u.Nick))
	delete(s.users, uid)
	return true
}

// Rename changes the nickname of uid.
func (s *Store) Rename(uid, nick string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return false
	}
	delete(s.nicks, strings.ToLower(u.Nick))
	u.Nick = nick
	s.nicks[strings.ToLower(nick)] = uid
	return true
}

// UserByUID returns a copy of the user.
func (s *Store) UserByUID(uid string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[uid]
	if !ok {
		return User{}, false
	}
	return copyUser(u), true
}

// UserByNick returns a copy of the user, matched case-insensitively.
func (s *Store) UserByNick(nick string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, ok := s.nicks[strings.ToLower(nick)]
	if !ok {
		return User{}, false
	}
	return copyUser(s.users[uid]), true
}

// Resolve accepts a uid or a nickname.
func (s *Store) Resolve(id string) (User, bool) {
	if u, ok := s.UserByUID(id); ok {
		return u, true
	}
	return s.UserByNick(id)
}

// UsersByIP returns every user connected from ip.
func (s *Store) UsersByIP(ip string) []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for _, u := range s.users {
		if u.IP == ip {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// UserCount returns the number of known users.
func (s *Store) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Join adds uid to channel, creating the channel on first join.
func (s *Store) Join(uid, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(channel)
	ch, ok := s.channels[key]
	if !ok {
		ch = &Channel{Name: channel, CreatedAt: time.Now()}
		s.channels[key] = ch
	}
	for _, m := range ch.Members {
		if m == uid {
			return
		}
	}
	ch.Members = append(ch.Members, uid)
	if u, ok := s.users[uid]; ok {
		u.Channels = append(u.Channels, channel)
	}
}

// Part removes uid from channel. Empty channels are dropped.
func (s *Store) Part(uid, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partLocked(uid, channel)
}

func (s *Store) partLocked(uid, channel string) {
	key := strings.ToLower(channel)
	if ch, ok := s.channels[key]; ok {
		ch.Members = remove(ch.Members, uid, false)
		if len(ch.Members) == 0 {
			delete(s.channels, key)
		}
	}
	if u, ok := s.users[uid]; ok {
		u.Channels = remove(u.Channels, channel, true)
	}
}

// ApplyModes applies a user mode change such as "+oi-w" to uid.
func (s *Store) ApplyModes(uid, change string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return false
	}
	u.Modes = applyModes(u.Modes, change)
	return true
}

// IsOper reports whether the user has the operator mode.
func (u User) IsOper() bool {
	return strings.ContainsRune(u.Modes, 'o')
}

func applyModes(current, change string) string {
	set := strings.TrimPrefix(current, "+")
	adding := true
	for _, r := range change {
		switch r {
		case '+':
			adding = true
		case '-':
			adding = false
		default:
			has := strings.ContainsRune(set, r)
			if adding && !has {
				set += string(r)
			}
			if !adding && has {
				set = strings.ReplaceAll(set, string(r), "")
			}
		}
	}
	if set == "" {
		return ""
	}
	return "+" + set
}

// SetLimit records the +l value of channel.
func (s *Store) SetLimit(channel string, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[strings.ToLower(channel)]; ok {
		ch.Limit = limit
	}
}

// Channel returns a copy of the channel.
func (s *Store) Channel(name string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[strings.ToLower(name)]
	if !ok {
		return Channel{}, false
	}
	cp := *ch
	cp.Members = append([]string(nil), ch.Members...)
	return cp, true
}

// Channels returns every channel name, sorted.
func (s *Store) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.Name)
	}
	sort.Strings(out)
	return out
}

func copyUser(u *User) User {
	cp := *u
	cp.Channels = append([]string(nil), u.Channels...)
	return cp
}

func remove(items []string, v string, fold bool) []string {
	out := items[:0]
	for _, it := range items {
		if it == v || (fold && strings.EqualFold(it, v)) {
			continue
		}
		out = append(out, it)
	}
	return out
}
