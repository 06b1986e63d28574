// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package geoip resolves client IP addresses to 2-letter ISO country
// codes using a MaxMind GeoLite2-Country database. Resolution is
// optional: a Resolver with no database configured answers every
// query with an empty code.
package geoip

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
)

// CodeLocal is returned for private-range and loopback addresses,
// which are never present in the MaxMind database.
const CodeLocal = "LOCAL"

var privateCIDRs []*net.IPNet

func init() {
	for _, block := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"fc00::/7",  // IPv6 unique local
		"fe80::/10", // IPv6 link-local
	} {
		if _, cidr, err := net.ParseCIDR(block); err == nil {
			privateCIDRs = append(privateCIDRs, cidr)
		}
	}
}

// Resolver maps IP addresses to country codes. The underlying database
// can be swapped at runtime via Reload without interrupting lookups.
type Resolver struct {
	mu      sync.RWMutex
	db      *maxminddb.Reader
	path    string
	modTime time.Time
	enabled bool
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// NewResolver opens the database at path. An empty path yields a
// disabled resolver, which is not an error: country enrichment is
// simply skipped.
func NewResolver(path string) (*Resolver, error) {
	r := &Resolver{path: path}
	if path == "" {
		return r, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return r, err
	}
	return r, nil
}

// load opens or reopens the database file. Caller holds the write lock.
func (r *Resolver) load() error {
	info, err := os.Stat(r.path)
	if err != nil {
		r.enabled = false
		if os.IsNotExist(err) {
			return fmt.Errorf("geoip database not found: %s", r.path)
		}
		return fmt.Errorf("stat geoip database: %w", err)
	}

	// Unchanged on disk, nothing to do.
	if r.db != nil && info.ModTime().Equal(r.modTime) {
		return nil
	}

	if r.db != nil {
		_ = r.db.Close()
		r.db = nil
	}

	db, err := maxminddb.Open(r.path)
	if err != nil {
		r.enabled = false
		return fmt.Errorf("open geoip database: %w", err)
	}

	r.db = db
	r.modTime = info.ModTime()
	r.enabled = true
	return nil
}

// Reload reopens the database if the file changed since the last load.
// Intended to run on a schedule so a refreshed GeoLite2 download is
// picked up without a restart.
func (r *Resolver) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.path == "" {
		return nil
	}
	return r.load()
}

// Country returns the ISO country code for addr, CodeLocal for
// private/loopback addresses, or "" when the address is invalid or the
// resolver is disabled.
func (r *Resolver) Country(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	if ip.IsLoopback() || isPrivate(ip) {
		return CodeLocal
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.enabled || r.db == nil {
		return ""
	}

	var rec countryRecord
	if err := r.db.Lookup(ip, &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// Enabled reports whether a database is loaded.
func (r *Resolver) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Close releases the database. The resolver keeps answering Country
// calls with "" afterwards.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	r.enabled = false
	return err
}

func isPrivate(ip net.IP) bool {
	for _, cidr := range privateCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
