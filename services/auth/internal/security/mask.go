package security

import "strings"

// MaskIdentifier shortens an email, IP or user id for logs and events.
func MaskIdentifier(id string) string {
	if id == "" {
		return ""
	}
	if at := strings.LastIndexByte(id, '@'); at > 0 {
		return id[:1] + "***" + id[at:]
	}
	if len(id) <= 4 {
		return "***"
	}
	return id[:4] + "***"
}
