package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/vk/servicesd/internal/commands"
	"github.com/vk/servicesd/internal/plugin"
	"github.com/vk/servicesd/internal/protocol"
	"github.com/vk/servicesd/internal/state"
	"github.com/vk/servicesd/internal/supervisor"
)

// Outbox records everything a module sends or announces.
type Outbox struct {
	mu      sync.Mutex
	raw     []protocol.Message
	notices []string
	privmsg []string
	alerts  []string
}

// Privmsg implements plugin.Sender.
func (o *Outbox) Privmsg(_ context.Context, target, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.privmsg = append(o.privmsg, target+" "+text)
	return nil
}

// Notice implements plugin.Sender.
func (o *Outbox) Notice(_ context.Context, target, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices = append(o.notices, target+" "+text)
	return nil
}

// Raw implements plugin.Sender.
func (o *Outbox) Raw(_ context.Context, msg protocol.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.raw = append(o.raw, msg)
	return nil
}

// Notify implements plugin.Notifier.
func (o *Outbox) Notify(_ context.Context, _ string, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.alerts = append(o.alerts, text)
}

// Raws returns the raw messages sent so far.
func (o *Outbox) Raws() []protocol.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.Message(nil), o.raw...)
}

// Notices returns "target text" for every notice sent so far.
func (o *Outbox) Notices() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.notices...)
}

// Privmsgs returns "target text" for every message sent so far.
func (o *Outbox) Privmsgs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.privmsg...)
}

// Alerts returns every operator notice.
func (o *Outbox) Alerts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.alerts...)
}

// HasNotice reports whether a notice containing sub was sent.
func (o *Outbox) HasNotice(sub string) bool {
	for _, n := range o.Notices() {
		if strings.Contains(n, sub) {
			return true
		}
	}
	return false
}

// ModuleEnv is a service context wired to in-memory collaborators.
type ModuleEnv struct {
	Ctx     *plugin.Context
	Outbox  *Outbox
	State   *state.Store
	Tasks   *supervisor.Tasks
	Threads *supervisor.Threads
}

// NewModuleEnv builds a context for module name with settings. Running
// tasks are cancelled when the test ends.
func NewModuleEnv(t *testing.T, name string, settings map[string]string) *ModuleEnv {
	t.Helper()
	out := &Outbox{}
	env := &ModuleEnv{
		Outbox:  out,
		State:   state.New(),
		Tasks:   supervisor.NewTasks(nil, nil),
		Threads: supervisor.NewThreads(nil, nil),
	}
	if settings == nil {
		settings = map[string]string{}
	}
	env.Ctx = &plugin.Context{
		Name:     name,
		Logger:   NewTestLogger(t),
		Commands: commands.New(),
		Tasks:    env.Tasks,
		Threads:  env.Threads,
		State:    env.State,
		Notifier: out,
		Sender:   out,
		Settings: settings,
	}
	t.Cleanup(func() { env.Tasks.CancelAll() })
	return env
}
