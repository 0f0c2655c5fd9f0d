package pipeline

import (
	"net/url"
	"path"
	"strings"
)

var storeHosts = []struct {
	needle string
	label  string
}{
	{"steam", "Steam"},
	{"epicgames", "Epic Games"},
	{"gog.com", "GOG"},
	{"itch.io", "itch.io"},
	{"humblebundle", "Humble"},
}

var directExtensions = map[string]bool{
	".zip": true, ".rar": true, ".7z": true, ".exe": true, ".iso": true, ".bin": true,
}

// ClassifyLink determines the LinkKind of a raw URL. The second return value is
// false when the URL is not usable at all.
func ClassifyLink(raw string) (LinkKind, bool) {
	raw = strings.TrimSpace(raw)
	if IsMagnet(raw) {
		return LinkKindMagnet, true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if StoreLabel(raw) != "" {
		return LinkKindStore, true
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == ".torrent" {
		return LinkKindTorrent, true
	}
	if directExtensions[ext] {
		return LinkKindDirect, true
	}
	return LinkKindHoster, true
}

// IsMagnet reports whether raw is a well-formed BitTorrent magnet URI.
func IsMagnet(raw string) bool {
	if !strings.HasPrefix(raw, "magnet:?") {
		return false
	}
	values, err := url.ParseQuery(strings.TrimPrefix(raw, "magnet:?"))
	if err != nil {
		return false
	}
	for _, xt := range values["xt"] {
		if strings.HasPrefix(strings.ToLower(xt), "urn:btih:") && len(xt) > len("urn:btih:") {
			return true
		}
	}
	return false
}

// StoreLabel returns a storefront name for store URLs, or "" otherwise.
func StoreLabel(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	for _, s := range storeHosts {
		if strings.Contains(host, s.needle) {
			return s.label
		}
	}
	return ""
}

// NeedsAutomation reports whether a link kind requires a browser session to resolve.
func NeedsAutomation(kind LinkKind) bool {
	return kind == LinkKindHoster
}
