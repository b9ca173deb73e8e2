// This file translates the HCL schema structs into the format-agnostic
// configuration model defined in the config package.

package hcl

import (
	"github.com/vk/servicesd/internal/config"
)

func translate(root *fileRoot, m *config.Model) {
	if s := root.Service; s != nil {
		m.Service = config.Service{
			ServerName:    s.ServerName,
			ServerID:      s.ServerID,
			Description:   s.Description,
			Nickname:      s.Nickname,
			Ident:         s.Ident,
			Host:          s.Host,
			Realname:      s.Realname,
			Channel:       s.Channel,
			CommandPrefix: s.CommandPrefix,
		}
	}
	if l := root.Link; l != nil {
		m.Link = config.Link{
			Host:              l.Host,
			Port:              l.Port,
			Protocol:          l.Protocol,
			Password:          l.Password,
			TLS:               l.TLS,
			MaxBackoffSeconds: l.MaxBackoffSeconds,
		}
	}
	if s := root.Storage; s != nil {
		m.Storage = config.Storage{Path: s.Path, InMemory: s.InMemory}
	}
	if r := root.RPC; r != nil {
		m.RPC = config.RPC{Enabled: r.Enabled, Listen: r.Listen}
		for _, u := range r.Users {
			m.RPC.Users = append(m.RPC.Users, config.RPCUser{Name: u.Name, Password: u.Password})
		}
	}
	if o := root.Observer; o != nil {
		m.Observer = config.Observer{Enabled: o.Enabled, URL: o.URL, Namespace: o.Namespace}
	}
	if n := root.Notices; n != nil {
		m.Notices = config.Notices{PerSecond: n.PerSecond, Burst: n.Burst}
	}
	if mods := root.Modules; mods != nil {
		m.Modules.Default = append([]string(nil), mods.Default...)
	}
	for _, mod := range root.Module {
		if m.Modules.Settings == nil {
			m.Modules.Settings = make(map[string]map[string]string)
		}
		settings := make(map[string]string, len(mod.Settings))
		for k, v := range mod.Settings {
			settings[k] = v
		}
		m.Modules.Settings[mod.Name] = settings
	}
}
