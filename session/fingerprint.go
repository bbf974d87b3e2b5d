package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// GenerateDeviceFingerprint hashes IP and User-Agent into a deterministic
// anomaly signal. It gates nothing: two logins with the same fingerprint
// are merely the same-looking device.
func GenerateDeviceFingerprint(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "|" + userAgent))
	return hex.EncodeToString(sum[:])
}

// GenerateDeviceName classifies a User-Agent into a human label for the
// session list. UX only.
func GenerateDeviceName(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "iphone"):
		return "iPhone Safari"
	case strings.Contains(ua, "ipad"):
		return "iPad Safari"
	case strings.Contains(ua, "android"):
		return "Android Browser"
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge"):
		return "Edge Browser"
	case strings.Contains(ua, "firefox"):
		return "Firefox Browser"
	case strings.Contains(ua, "chrome"):
		return "Chrome Browser"
	case strings.Contains(ua, "safari"):
		return "Safari Browser"
	default:
		return "Unknown Browser"
	}
}
