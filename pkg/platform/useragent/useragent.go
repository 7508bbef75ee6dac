// Package useragent reduces User-Agent strings to the client facts stored
// alongside a submission.
package useragent

import (
	"strings"

	"github.com/mssola/useragent"
)

// Client summarises a parsed User-Agent.
type Client struct {
	Browser string
	Version string
	OS      string
	Mobile  bool
	Bot     bool
}

// Parse extracts browser, major version, OS, and device class. Empty input
// yields "unknown" fields.
func Parse(raw string) Client {
	if strings.TrimSpace(raw) == "" {
		return Client{Browser: "unknown", OS: "unknown"}
	}

	ua := useragent.New(raw)
	name, version := ua.Browser()
	major, _, _ := strings.Cut(version, ".")

	c := Client{
		Browser: orUnknown(name),
		Version: major,
		OS:      orUnknown(ua.OS()),
		Mobile:  ua.Mobile(),
		Bot:     ua.Bot(),
	}
	return c
}

// DisplayName renders "Browser on OS", e.g. "Chrome on Windows 10".
func (c Client) DisplayName() string {
	if c.Browser == "unknown" && c.OS == "unknown" {
		return "Unknown Device"
	}
	return c.Browser + " on " + c.OS
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}
