package activity

import (
	"net"
	"strings"
)

// Device is the coarse device class of a caller.
type Device string

const (
	DeviceMobile  Device = "mobile"
	DeviceTablet  Device = "tablet"
	DeviceDesktop Device = "desktop"
	DeviceUnknown Device = "unknown"
)

// Browser is the major browser family of a caller.
type Browser string

const (
	BrowserEdge    Browser = "Edge"
	BrowserOpera   Browser = "Opera"
	BrowserChrome  Browser = "Chrome"
	BrowserSafari  Browser = "Safari"
	BrowserFirefox Browser = "Firefox"
	BrowserUnknown Browser = "Unknown"
)

// ClientMeta describes where a request came from.
type ClientMeta struct {
	UserAgent  string
	IP         string
	DeviceType Device
	Browser    Browser
}

// NewClientMeta classifies the user agent and picks the client IP: the first
// X-Forwarded-For hop, else X-Real-IP, else the socket peer.
func NewClientMeta(userAgent, forwardedFor, realIP, remoteAddr string) ClientMeta {
	ip := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
	if ip == "" {
		ip = strings.TrimSpace(realIP)
	}
	if ip == "" {
		ip = remoteAddr
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
			ip = host
		}
	}
	return ClientMeta{
		UserAgent:  userAgent,
		IP:         ip,
		DeviceType: DetectDevice(userAgent),
		Browser:    DetectBrowser(userAgent),
	}
}

// DetectDevice classifies a user agent string. Tablets are checked first:
// iPad and Android tablet agents also carry mobile markers.
func DetectDevice(ua string) Device {
	if strings.TrimSpace(ua) == "" {
		return DeviceUnknown
	}
	l := strings.ToLower(ua)
	switch {
	case strings.Contains(l, "ipad"), strings.Contains(l, "tablet"),
		strings.Contains(l, "android") && !strings.Contains(l, "mobile"):
		return DeviceTablet
	case containsAny(l, "mobile", "iphone", "windows phone", "opera mini"):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

// DetectBrowser returns the browser family; order matters because Edge and
// Opera agents also claim to be Chrome, and Chrome claims to be Safari.
func DetectBrowser(ua string) Browser {
	l := strings.ToLower(ua)
	switch {
	case strings.Contains(l, "edg/"), strings.Contains(l, "edga/"), strings.Contains(l, "edgios/"):
		return BrowserEdge
	case strings.Contains(l, "opr/"), strings.Contains(l, "opera"):
		return BrowserOpera
	case strings.Contains(l, "firefox/"), strings.Contains(l, "fxios/"):
		return BrowserFirefox
	case strings.Contains(l, "chrome/"), strings.Contains(l, "crios/"):
		return BrowserChrome
	case strings.Contains(l, "safari/"):
		return BrowserSafari
	default:
		return BrowserUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
