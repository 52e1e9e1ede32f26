// Package pgpubsub provides a reliable publish/subscribe client built on
// PostgreSQL's LISTEN/NOTIFY facility. Payloads are JSON; a single
// persistent connection carries both user traffic and the internal
// channel-lock traffic that implements the package's distributed
// single-listener guarantee: among many processes sharing one database, at
// most one process is the "live listener" for any given channel at a time,
// and another process takes over automatically if that holder dies.
//
// Messages published while a process is disconnected are lost - this
// package trades durability for simplicity, the same tradeoff LISTEN/NOTIFY
// itself makes.
package pgpubsub
