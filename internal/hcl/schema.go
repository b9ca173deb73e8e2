package hcl

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes every top-level block a configuration file may hold.
// Blocks may be split across files; later files override earlier ones.
type fileRoot struct {
	Service  *serviceBlock  `hcl:"service,block"`
	Link     *linkBlock     `hcl:"link,block"`
	Storage  *storageBlock  `hcl:"storage,block"`
	RPC      *rpcBlock      `hcl:"rpc,block"`
	Observer *observerBlock `hcl:"observer,block"`
	Notices  *noticesBlock  `hcl:"notices,block"`
	Modules  *modulesBlock  `hcl:"modules,block"`
	Module   []*moduleBlock `hcl:"module,block"`
	Remain   hcl.Body       `hcl:",remain"`
}

type serviceBlock struct {
	ServerName    string `hcl:"server_name"`
	ServerID      string `hcl:"server_id"`
	Description   string `hcl:"description,optional"`
	Nickname      string `hcl:"nickname"`
	Ident         string `hcl:"ident,optional"`
	Host          string `hcl:"host,optional"`
	Realname      string `hcl:"realname,optional"`
	Channel       string `hcl:"channel"`
	CommandPrefix string `hcl:"command_prefix,optional"`
}

type linkBlock struct {
	Host              string `hcl:"host"`
	Port              int    `hcl:"port"`
	Protocol          string `hcl:"protocol,optional"`
	Password          string `hcl:"password"`
	TLS               bool   `hcl:"tls,optional"`
	MaxBackoffSeconds int    `hcl:"max_backoff_seconds,optional"`
}

type storageBlock struct {
	Path     string `hcl:"path,optional"`
	InMemory bool   `hcl:"in_memory,optional"`
}

type rpcBlock struct {
	Enabled bool            `hcl:"enabled,optional"`
	Listen  string          `hcl:"listen,optional"`
	Users   []*rpcUserBlock `hcl:"user,block"`
}

type rpcUserBlock struct {
	Name     string `hcl:"name,label"`
	Password string `hcl:"password"`
}

type observerBlock struct {
	Enabled   bool   `hcl:"enabled,optional"`
	URL       string `hcl:"url,optional"`
	Namespace string `hcl:"namespace,optional"`
}

type noticesBlock struct {
	PerSecond float64 `hcl:"per_second,optional"`
	Burst     int     `hcl:"burst,optional"`
}

type modulesBlock struct {
	Default []string `hcl:"default,optional"`
}

type moduleBlock struct {
	Name     string            `hcl:"name,label"`
	Settings map[string]string `hcl:"settings,optional"`
}
