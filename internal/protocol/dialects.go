package protocol

import (
	"strconv"
	"time"
)

func init() {
	Register("unreal6", func() Protocol { return unreal{} })
	Register("inspircd", func() Protocol { return inspircd{} })
}

func uid(id Identity) string {
	return id.ServerID + "AAAAAA"
}

type unreal struct{}

func (unreal) Name() string { return "unreal6" }

func (unreal) Handshake(id Identity) []Message {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	return []Message{
		New("", "PASS", id.Password),
		New("", "PROTOCTL", "NICKv2", "VHP", "UMODE2", "NICKIP", "SJOIN", "SJOIN2", "SJ3", "NOQUIT", "TKLEXT", "MLOCK", "SID", "MTAGS"),
		New("", "PROTOCTL", "EAUTH="+id.ServerName+",,,servicesd"),
		New("", "PROTOCTL", "SID="+id.ServerID),
		New("", "SERVER", id.ServerName, "1", id.Description),
		New(id.ServerID, "UID", id.Nickname, "1", now, id.Ident, id.Host, uid(id), "0", "+oqBS", "*", "*", "*", id.Realname),
		New(id.ServerID, "SJOIN", now, id.Channel, "+o", "@"+uid(id)),
		New(id.ServerID, "EOS"),
	}
}

func (unreal) Quit(id Identity, reason string) Message {
	return New(uid(id), "QUIT", reason)
}

func (unreal) Nick(id Identity, newNick string) Message {
	return New(uid(id), "NICK", newNick, strconv.FormatInt(time.Now().Unix(), 10))
}

func (unreal) Notice(id Identity, target, text string) Message {
	return New(uid(id), "NOTICE", target, text)
}

func (unreal) Privmsg(id Identity, target, text string) Message {
	return New(uid(id), "PRIVMSG", target, text)
}

func (unreal) Pong(id Identity, token string) Message {
	return New(id.ServerID, "PONG", id.ServerName, token)
}

func (unreal) Verbs() []string {
	return []string{"EOS", "MODE", "NICK", "PART", "PING", "PRIVMSG", "QUIT", "SJOIN", "SQUIT", "UID", "UMODE2"}
}

type inspircd struct{}

func (inspircd) Name() string { return "inspircd" }

func (inspircd) Handshake(id Identity) []Message {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	return []Message{
		New("", "CAPAB", "START", "1206"),
		New("", "CAPAB", "END"),
		New("", "SERVER", id.ServerName, id.Password, id.ServerID, id.Description),
		New(id.ServerID, "BURST", now),
		New(id.ServerID, "UID", uid(id), now, id.Nickname, id.Host, id.Host, id.Ident, "0.0.0.0", now, "+o", id.Realname),
		New(id.ServerID, "FJOIN", id.Channel, now, "+nt", "o,"+uid(id)),
		New(id.ServerID, "ENDBURST"),
	}
}

func (inspircd) Quit(id Identity, reason string) Message {
	return New(uid(id), "QUIT", reason)
}

func (inspircd) Nick(id Identity, newNick string) Message {
	return New(uid(id), "NICK", newNick, strconv.FormatInt(time.Now().Unix(), 10))
}

func (inspircd) Notice(id Identity, target, text string) Message {
	return New(uid(id), "NOTICE", target, text)
}

func (inspircd) Privmsg(id Identity, target, text string) Message {
	return New(uid(id), "PRIVMSG", target, text)
}

func (inspircd) Pong(id Identity, token string) Message {
	return New(id.ServerID, "PONG", token)
}

func (inspircd) Verbs() []string {
	return []string{"ENDBURST", "FJOIN", "FMODE", "NICK", "PART", "PING", "PRIVMSG", "QUIT", "SQUIT", "UID"}
}
