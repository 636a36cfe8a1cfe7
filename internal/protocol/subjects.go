package protocol

import (
	"fmt"
	"strings"
)

const (
	CapabilityStreaming = "stt.streaming"
	CapabilityBatch     = "stt.batch"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)

// Session subjects are <root>.<session id>.<kind>.
const (
	KindControl = "control"
	KindAudio   = "audio"
	KindEvents  = "events"
)

func SessionSubject(root, sessionID, kind string) string {
	return fmt.Sprintf("%s.%s.%s", root, sessionID, kind)
}

// SessionWildcard matches kind for every session under root.
func SessionWildcard(root, kind string) string {
	return fmt.Sprintf("%s.*.%s", root, kind)
}

// ParseSessionSubject splits a session subject into its id and kind.
func ParseSessionSubject(root, subject string) (sessionID, kind string, ok bool) {
	rest, found := strings.CutPrefix(subject, root+".")
	if !found {
		return "", "", false
	}
	idx := strings.LastIndexByte(rest, '.')
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	sessionID, kind = rest[:idx], rest[idx+1:]
	if strings.Contains(sessionID, ".") {
		return "", "", false
	}
	return sessionID, kind, true
}
