// Package link owns the TCP (optionally TLS) connection to the uplink IRC
// server.
//
// Link dials with exponential backoff and hands out a Conn per successful
// connection. A Conn runs two goroutines: a reader that frames inbound
// lines into protocol.Message values, and a writer that drains an unbounded
// outbound queue. A Conn is single-use; once Done is closed the caller asks
// Link for a new one.
package link
