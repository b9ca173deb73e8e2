package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Change is one configuration leaf that differs between two models.
type Change struct {
	Path      string
	Old       string
	New       string
	Sensitive bool
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %q -> %q", c.Path, c.Old, c.New)
}

const redacted = "<redacted>"

var sensitivePaths = map[string]bool{
	"link.password": true,
	"rpc.users":     true,
}

// RestartRequiredPaths are the fields a rehash cannot apply.
var RestartRequiredPaths = []string{
	"link.host",
	"link.port",
	"link.protocol",
	"service.server_name",
	"service.server_id",
	"storage.path",
}

// Diff reports every leaf that differs between prev and next, sorted by
// path. The runtime section is owned by the daemon and never compared.
// Lists and maps are compared as a whole.
func Diff(prev, next *Model) ([]Change, error) {
	a, err := leaves(prev)
	if err != nil {
		return nil, fmt.Errorf("flatten previous config: %w", err)
	}
	b, err := leaves(next)
	if err != nil {
		return nil, fmt.Errorf("flatten new config: %w", err)
	}

	keys := make(map[string]struct{}, len(a))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	paths := make([]string, 0, len(keys))
	for k := range keys {
		paths = append(paths, k)
	}
	sort.Strings(paths)

	var changes []Change
	for _, p := range paths {
		if a[p] == b[p] {
			continue
		}
		c := Change{Path: p, Old: a[p], New: b[p]}
		if sensitivePaths[p] {
			c.Sensitive = true
			c.Old, c.New = redacted, redacted
		}
		changes = append(changes, c)
	}
	return changes, nil
}

func leaves(m *Model) (map[string]string, error) {
	if m == nil {
		m = &Model{}
	}
	ty, err := gocty.ImpliedType(*m)
	if err != nil {
		return nil, err
	}
	val, err := gocty.ToCtyValue(*m, ty)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	err = cty.Walk(val, func(p cty.Path, v cty.Value) (bool, error) {
		if len(p) == 0 {
			return true, nil
		}
		key := pathString(p)
		if key == "runtime" {
			return false, nil
		}
		if v.Type().IsObjectType() && !v.IsNull() {
			return true, nil
		}
		s, err := render(v)
		if err != nil {
			return false, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = s
		return false, nil
	})
	return out, err
}

func pathString(p cty.Path) string {
	parts := make([]string, 0, len(p))
	for _, step := range p {
		if attr, ok := step.(cty.GetAttrStep); ok {
			parts = append(parts, attr.Name)
		}
	}
	return strings.Join(parts, ".")
}

func render(v cty.Value) (string, error) {
	if v.IsNull() || !v.IsKnown() {
		return "", nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Number:
		return v.AsBigFloat().Text('f', -1), nil
	case ty == cty.Bool:
		return strconv.FormatBool(v.True()), nil
	case ty.IsCollectionType():
		if v.LengthInt() == 0 {
			return "", nil
		}
	}
	b, err := ctyjson.Marshal(v, ty)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RestartRequired returns the changes that only a restart can apply.
func RestartRequired(changes []Change) []Change {
	var out []Change
	for _, c := range changes {
		for _, p := range RestartRequiredPaths {
			if c.Path == p {
				out = append(out, c)
			}
		}
	}
	return out
}

// RestoreRestartRequired copies every restart-required field named in
// changes from prev back into next and returns the restored paths.
func RestoreRestartRequired(prev, next *Model, changes []Change) []string {
	var restored []string
	for _, c := range RestartRequired(changes) {
		switch c.Path {
		case "link.host":
			next.Link.Host = prev.Link.Host
		case "link.port":
			next.Link.Port = prev.Link.Port
		case "link.protocol":
			next.Link.Protocol = prev.Link.Protocol
		case "service.server_name":
			next.Service.ServerName = prev.Service.ServerName
		case "service.server_id":
			next.Service.ServerID = prev.Service.ServerID
		case "storage.path":
			next.Storage.Path = prev.Storage.Path
		default:
			continue
		}
		restored = append(restored, c.Path)
	}
	return restored
}

// CarryForward copies the daemon-owned runtime fields from prev into next.
func CarryForward(prev, next *Model) {
	if prev == nil || next == nil {
		return
	}
	next.Runtime.InstallID = prev.Runtime.InstallID
	next.Runtime.RunCount = prev.Runtime.RunCount
	next.Runtime.ProtocolCaps = append([]string(nil), prev.Runtime.ProtocolCaps...)
	next.Runtime.CoreVersion = prev.Runtime.CoreVersion
	next.Runtime.RestartPending = prev.Runtime.RestartPending
}
