package sessionguard

import (
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

// DeviceInfo describes the client a request came from.
type DeviceInfo struct {
	IP         string `json:"ip"`
	UserAgent  string `json:"user_agent"`
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	DeviceType string `json:"device_type"` // mobile, desktop, tablet, bot
}

// ExtractDeviceInfo extracts device information from an HTTP request.
func ExtractDeviceInfo(r *http.Request) DeviceInfo {
	ua := r.UserAgent()
	parsed := useragent.New(ua)

	browser, version := parsed.Browser()
	if version != "" {
		browser += " " + version
	}

	osInfo := parsed.OSInfo()
	os := osInfo.Name
	if osInfo.Version != "" {
		os += " " + osInfo.Version
	}

	return DeviceInfo{
		IP:         clientIP(r),
		UserAgent:  ua,
		Browser:    browser,
		OS:         os,
		DeviceType: deviceType(parsed, ua),
	}
}

func deviceType(parsed *useragent.UserAgent, ua string) string {
	switch {
	case parsed.Mobile():
		return "mobile"
	case parsed.Bot():
		return "bot"
	case isTablet(ua):
		return "tablet"
	default:
		return "desktop"
	}
}

// proxyHeaders are checked in order before falling back to RemoteAddr.
var proxyHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

// clientIP returns the client address of r. X-Forwarded-For may hold a
// comma-separated chain, the first entry is the client.
func clientIP(r *http.Request) string {
	for _, header := range proxyHeaders {
		value := r.Header.Get(header)
		if value == "" {
			continue
		}
		first, _, _ := strings.Cut(value, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return host
}

var tabletKeywords = []string{"ipad", "tablet", "playbook", "silk"}

func isTablet(ua string) bool {
	ua = strings.ToLower(ua)
	for _, keyword := range tabletKeywords {
		if strings.Contains(ua, keyword) {
			return true
		}
	}
	return false
}

// IsPrivateIP returns true if the IP is loopback or in a private range.
// Such addresses are never looked up in the GeoIP database.
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate()
}
