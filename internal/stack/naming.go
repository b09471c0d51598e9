package stack

import (
	"fmt"
	"strings"
)

// Resource tag keys shared across the stack. Every resource carries the
// deployment environment so periodic jobs only ever touch their own
// environment's resources.
const (
	TagApp         = "app"
	TagEnvironment = "environment"
	TagStamp       = "stamp"
	TagSharedSG    = "classlive_live"

	AppTagValue = "classlive"
)

// ChannelName builds the encoder channel name `{env}_{videoID}_{stamp}`.
func ChannelName(env, videoID, stamp string) string {
	return fmt.Sprintf("%s_%s_%s", env, videoID, stamp)
}

// PackageChannelID builds the package channel id `{env}_{videoID}`.
func PackageChannelID(env, videoID string) string {
	return fmt.Sprintf("%s_%s", env, videoID)
}

// ParseChannelName extracts the owning video id and creation stamp from a
// channel name scoped to env.
func ParseChannelName(env, name string) (videoID, stamp string, ok bool) {
	prefix := env + "_"
	if !strings.HasPrefix(name, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, prefix)
	i := strings.LastIndex(rest, "_")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	videoID, stamp = rest[:i], rest[i+1:]
	if !isStamp(stamp) {
		return "", "", false
	}
	return videoID, stamp, true
}

// StampFromID returns the creation stamp embedded in a resource id, when the
// id's last underscore-separated token looks like a unix timestamp.
func StampFromID(id string) (string, bool) {
	i := strings.LastIndex(id, "_")
	if i < 0 || i == len(id)-1 {
		return "", false
	}
	tail := id[i+1:]
	if !isStamp(tail) {
		return "", false
	}
	return tail, true
}

// ValidStamp reports whether s looks like a creation stamp (a unix-second
// timestamp rendered in decimal).
func ValidStamp(s string) bool {
	return isStamp(s)
}

func isStamp(s string) bool {
	if len(s) < 9 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
