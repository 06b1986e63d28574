// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package geoip

import "testing"

func TestDisabledResolver(t *testing.T) {
	r, err := NewResolver("")
	if err != nil {
		t.Fatalf("NewResolver with empty path: %v", err)
	}
	if r.Enabled() {
		t.Error("resolver with no database should be disabled")
	}
	if got := r.Country("8.8.8.8"); got != "" {
		t.Errorf("disabled resolver returned %q, want empty", got)
	}
	if err := r.Reload(); err != nil {
		t.Errorf("Reload on disabled resolver: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close on disabled resolver: %v", err)
	}
}

func TestMissingDatabase(t *testing.T) {
	r, err := NewResolver("/nonexistent/GeoLite2-Country.mmdb")
	if err == nil {
		t.Fatal("expected error for missing database file")
	}
	if r.Enabled() {
		t.Error("resolver should be disabled after failed load")
	}
}

func TestLocalAddresses(t *testing.T) {
	r, _ := NewResolver("")

	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1", CodeLocal},
		{"::1", CodeLocal},
		{"10.1.2.3", CodeLocal},
		{"172.16.0.1", CodeLocal},
		{"192.168.1.100", CodeLocal},
		{"fe80::1", CodeLocal},
		{"not-an-ip", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := r.Country(tt.addr); got != tt.want {
			t.Errorf("Country(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
