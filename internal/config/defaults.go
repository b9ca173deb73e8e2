package config

// CoreVersion is stamped into Runtime on first start.
const CoreVersion = "6.2.0"

// ApplyDefaults fills zero-valued optional fields.
func ApplyDefaults(m *Model) {
	if m.Service.Ident == "" {
		m.Service.Ident = "services"
	}
	if m.Service.Host == "" {
		m.Service.Host = m.Service.ServerName
	}
	if m.Service.Realname == "" {
		m.Service.Realname = "IRC services"
	}
	if m.Service.CommandPrefix == "" {
		m.Service.CommandPrefix = "!"
	}
	if m.Link.Protocol == "" {
		m.Link.Protocol = "unreal6"
	}
	if m.Link.MaxBackoffSeconds == 0 {
		m.Link.MaxBackoffSeconds = 60
	}
	if m.RPC.Listen == "" {
		m.RPC.Listen = "127.0.0.1:5000"
	}
	if m.Observer.Namespace == "" {
		m.Observer.Namespace = "/services"
	}
	if m.Notices.PerSecond == 0 {
		m.Notices.PerSecond = 2
	}
	if m.Notices.Burst == 0 {
		m.Notices.Burst = 5
	}
	if m.Modules.Settings == nil {
		m.Modules.Settings = make(map[string]map[string]string)
	}
}
