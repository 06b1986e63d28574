// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/mileusna/useragent"
)

// clientContext is the request-derived enrichment attached to recorded
// events under the "client" metadata key. Events carry no raw IP or
// user agent string, only what these derive to.
type clientContext struct {
	Country        string `json:"country,omitempty"`
	Browser        string `json:"browser,omitempty"`
	OS             string `json:"os,omitempty"`
	DeviceType     string `json:"device_type,omitempty"`
	ReferrerDomain string `json:"referrer_domain,omitempty"`
	Language       string `json:"language,omitempty"`
}

// enrichMetadata merges the caller-supplied metadata document with the
// client context derived from the request. A bot user agent returns
// ok=false: bot traffic is not recorded.
func (h *Handler) enrichMetadata(r *http.Request, metadata json.RawMessage) (string, bool) {
	cc := clientContext{
		ReferrerDomain: referrerDomain(r.Referer()),
		Language:       primaryLanguage(r.Header.Get("Accept-Language")),
	}

	if uaString := r.UserAgent(); uaString != "" {
		ua := useragent.Parse(uaString)
		if ua.Bot {
			return "", false
		}
		cc.Browser = ua.Name
		cc.OS = ua.OS
		switch {
		case ua.Mobile:
			cc.DeviceType = "mobile"
		case ua.Tablet:
			cc.DeviceType = "tablet"
		default:
			cc.DeviceType = "desktop"
		}
	}

	if h.geo != nil {
		cc.Country = h.geo.Country(clientIP(r))
	}

	doc := map[string]any{}
	if len(metadata) > 0 {
		// Already validated as a JSON object by the caller.
		_ = json.Unmarshal(metadata, &doc)
	}
	doc["client"] = cc

	out, err := json.Marshal(doc)
	if err != nil {
		return "", true
	}
	return string(out), true
}

// clientIP extracts the real client IP from the request. It respects
// X-Real-IP and X-Forwarded-For headers set by reverse proxies.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the list is the client
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx > 0 {
		ip = ip[:idx]
	}
	// IPv6 addresses come bracketed
	ip = strings.TrimPrefix(ip, "[")
	ip = strings.TrimSuffix(ip, "]")

	return ip
}

// referrerDomain extracts the domain from a referrer URL.
func referrerDomain(referer string) string {
	if referer == "" {
		return ""
	}

	parsed, err := url.Parse(referer)
	if err != nil {
		return ""
	}

	host := parsed.Host
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

// primaryLanguage extracts the primary language from an Accept-Language
// header, e.g. "en" from "en-US,en;q=0.9,fr;q=0.8".
func primaryLanguage(header string) string {
	if header == "" {
		return ""
	}

	first := header
	if idx := strings.Index(first, ","); idx > 0 {
		first = first[:idx]
	}
	first = strings.TrimSpace(first)

	if idx := strings.Index(first, ";"); idx > 0 {
		first = first[:idx]
	}
	if idx := strings.Index(first, "-"); idx > 0 {
		first = first[:idx]
	}

	return strings.ToLower(first)
}
