package protocol

import (
	"strings"

	"github.com/valyala/bytebufferpool"
)

// Message is one line of server-link traffic split into its framing parts.
// Nothing beyond prefix, verb and parameters is interpreted.
type Message struct {
	Tags    string
	Prefix  string
	Command string
	Params  []string
	Raw     string
}

// Parse splits a raw line. A missing command yields a zero Command; the
// caller decides whether to drop such lines.
func Parse(line string) Message {
	line = strings.TrimRight(line, "\r\n")
	m := Message{Raw: line}
	rest := line

	if strings.HasPrefix(rest, "@") {
		tags, tail, _ := strings.Cut(rest[1:], " ")
		m.Tags = tags
		rest = strings.TrimLeft(tail, " ")
	}
	if strings.HasPrefix(rest, ":") {
		prefix, tail, _ := strings.Cut(rest[1:], " ")
		m.Prefix = prefix
		rest = strings.TrimLeft(tail, " ")
	}

	var trailing string
	hasTrailing := false
	if i := strings.Index(rest, " :"); i >= 0 {
		trailing = rest[i+2:]
		rest = rest[:i]
		hasTrailing = true
	} else if strings.HasPrefix(rest, ":") {
		trailing = rest[1:]
		rest = ""
		hasTrailing = true
	}

	fields := strings.Fields(rest)
	if len(fields) > 0 {
		m.Command = strings.ToUpper(fields[0])
		m.Params = append(m.Params, fields[1:]...)
	}
	if hasTrailing {
		m.Params = append(m.Params, trailing)
	}
	return m
}

// Param returns the i-th parameter or "".
func (m Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Source returns the nickname or server part of the prefix.
func (m Message) Source() string {
	src, _, _ := strings.Cut(m.Prefix, "!")
	return src
}

// String encodes the message as a wire line without the CRLF terminator.
// The last parameter is sent as a trailing one when it is empty, contains
// a space or starts with ':'.
func (m Message) String() string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	m.writeTo(buf)
	return buf.String()
}

// AppendLine appends the CRLF-terminated encoding of m to dst.
func (m Message) AppendLine(dst []byte) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	m.writeTo(buf)
	_, _ = buf.WriteString("\r\n")
	return append(dst, buf.B...)
}

func (m Message) writeTo(buf *bytebufferpool.ByteBuffer) {
	if m.Tags != "" {
		_ = buf.WriteByte('@')
		_, _ = buf.WriteString(m.Tags)
		_ = buf.WriteByte(' ')
	}
	if m.Prefix != "" {
		_ = buf.WriteByte(':')
		_, _ = buf.WriteString(m.Prefix)
		_ = buf.WriteByte(' ')
	}
	_, _ = buf.WriteString(m.Command)
	for i, p := range m.Params {
		_ = buf.WriteByte(' ')
		last := i == len(m.Params)-1
		if last && (p == "" || strings.Contains(p, " ") || strings.HasPrefix(p, ":")) {
			_ = buf.WriteByte(':')
		}
		_, _ = buf.WriteString(p)
	}
}

// New builds a message from a verb and parameters.
func New(prefix, command string, params ...string) Message {
	return Message{Prefix: prefix, Command: command, Params: params}
}
