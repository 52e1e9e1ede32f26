package pgpubsub

import (
	"regexp"
	"strings"
)

// lockChannelPrefix namespaces internal lock-release channels away from
// user channels, guaranteeing a release notification can never be mistaken
// for a user message (spec.md §3, "Channel-name mangling").
const lockChannelPrefix = "__PGPUBSUB_LOCK__:"

var lockChannelPattern = regexp.MustCompile("^" + regexp.QuoteMeta(lockChannelPrefix))

// mangle maps a user-visible channel name to its internal, lock-namespaced
// counterpart.
func mangle(channel string) string {
	return lockChannelPrefix + channel
}

// unmangle strips the lock-channel prefix, surfacing the user-visible name.
// It is only meaningful for channels that isLockChannel reports true for.
func unmangle(channel string) string {
	return lockChannelPattern.ReplaceAllString(channel, "")
}

// isLockChannel reports whether channel lives in the internal lock
// namespace, i.e. whether the demux must never surface it as a "message".
func isLockChannel(channel string) bool {
	return strings.HasPrefix(channel, lockChannelPrefix)
}
