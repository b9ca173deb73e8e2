package config

// Model is the unified, format-agnostic representation of the daemon
// configuration. The cty tags drive Diff; the validate tags drive Validate.
type Model struct {
	Service  Service  `cty:"service"`
	Link     Link     `cty:"link"`
	Storage  Storage  `cty:"storage"`
	RPC      RPC      `cty:"rpc"`
	Observer Observer `cty:"observer"`
	Notices  Notices  `cty:"notices"`
	Modules  Modules  `cty:"modules"`
	Runtime  Runtime  `cty:"runtime"`
}

// Service is how the daemon presents itself on the network.
type Service struct {
	ServerName  string `cty:"server_name" validate:"required,fqdn"`
	ServerID    string `cty:"server_id" validate:"required,len=3,alphanum"`
	Description string `cty:"description"`
	Nickname    string `cty:"nickname" validate:"required,max=30"`
	Ident       string `cty:"ident" validate:"required"`
	Host        string `cty:"host" validate:"required"`
	Realname    string `cty:"realname"`
	Channel     string `cty:"channel" validate:"required,startswith=#"`
	// CommandPrefix is what users type before a command in channels.
	CommandPrefix string `cty:"command_prefix" validate:"required,max=3"`
}

// Link is the uplink to the IRC server.
type Link struct {
	Host              string `cty:"host" validate:"required"`
	Port              int    `cty:"port" validate:"required,min=1,max=65535"`
	Protocol          string `cty:"protocol" validate:"required"`
	Password          string `cty:"password" validate:"required"`
	TLS               bool   `cty:"tls"`
	MaxBackoffSeconds int    `cty:"max_backoff_seconds" validate:"min=0"`
}

// Storage configures the module persistence database.
type Storage struct {
	Path     string `cty:"path" validate:"required_unless=InMemory true"`
	InMemory bool   `cty:"in_memory"`
}

// RPC configures the JSON-RPC read surface.
type RPC struct {
	Enabled bool      `cty:"enabled"`
	Listen  string    `cty:"listen" validate:"required_if=Enabled true"`
	Users   []RPCUser `cty:"users" validate:"dive"`
}

// RPCUser is one Basic auth credential.
type RPCUser struct {
	Name     string `cty:"name" validate:"required"`
	Password string `cty:"password" validate:"required"`
}

// Observer configures the socket.io relay of lifecycle events.
type Observer struct {
	Enabled   bool   `cty:"enabled"`
	URL       string `cty:"url" validate:"required_if=Enabled true"`
	Namespace string `cty:"namespace"`
}

// Notices limits the operator notice rate.
type Notices struct {
	PerSecond float64 `cty:"per_second" validate:"gt=0"`
	Burst     int     `cty:"burst" validate:"min=1"`
}

// Modules lists the modules loaded on first start and per-module settings
// exposed to each module as its read-only mod_config.
type Modules struct {
	Default  []string                     `cty:"default" validate:"dive,modulename"`
	Settings map[string]map[string]string `cty:"settings"`
}

// Runtime holds state owned by the daemon rather than by the file. It is
// persisted next to the module table and carried across rehashes.
type Runtime struct {
	InstallID      string   `cty:"install_id"`
	RunCount       int      `cty:"run_count"`
	ProtocolCaps   []string `cty:"protocol_caps"`
	CoreVersion    string   `cty:"core_version"`
	RestartPending bool     `cty:"restart_pending"`
}

// ModuleSettings returns a copy of the settings for module name.
func (m *Model) ModuleSettings(name string) map[string]string {
	out := make(map[string]string)
	if m == nil {
		return out
	}
	for k, v := range m.Modules.Settings[name] {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of m.
func (m *Model) Clone() *Model {
	if m == nil {
		return nil
	}
	c := *m
	c.RPC.Users = append([]RPCUser(nil), m.RPC.Users...)
	c.Modules.Default = append([]string(nil), m.Modules.Default...)
	c.Runtime.ProtocolCaps = append([]string(nil), m.Runtime.ProtocolCaps...)
	if m.Modules.Settings != nil {
		c.Modules.Settings = make(map[string]map[string]string, len(m.Modules.Settings))
		for name, kv := range m.Modules.Settings {
			inner := make(map[string]string, len(kv))
			for k, v := range kv {
				inner[k] = v
			}
			c.Modules.Settings[name] = inner
		}
	}
	return &c
}
