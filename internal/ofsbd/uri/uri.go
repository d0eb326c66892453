// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package uri parses backing store addresses of the form
// ofs://service/volume/bucket.
package uri

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Scheme prefix every backing store address has to start with.
	Scheme = "ofs://"

	// Upper bound for each of service, volume and bucket. Components end
	// up in chunk paths and connection setup, both of which are length
	// limited by the store.
	MaxComponentLen = 255
)

var (
	ErrInvalidFormat = errors.New("invalid format")
	ErrNameTooLong   = errors.New("name too long")
)

// Location is the parsed form of a backing store address.
type Location struct {
	Service string
	Volume  string
	Bucket  string
}

// Error reports which part of the address was rejected. It matches
// ErrInvalidFormat or ErrNameTooLong with errors.Is.
type Error struct {
	URI   string
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("parse %q: %v", e.URI, e.Err)
	}

	return fmt.Sprintf("parse %q: %s: %v", e.URI, e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Parse splits uri into service, volume and bucket. Tokens after the bucket
// are ignored on purpose, ofs://svc/vol/bucket/extra is accepted.
func Parse(uri string) (Location, error) {
	var loc Location

	rest, ok := strings.CutPrefix(uri, Scheme)
	if !ok {
		return loc, &Error{URI: uri, Err: ErrInvalidFormat}
	}

	fields := [...]struct {
		name string
		dst  *string
	}{
		{"service", &loc.Service},
		{"volume", &loc.Volume},
		{"bucket", &loc.Bucket},
	}

	for _, f := range fields {
		var token string
		token, rest, _ = strings.Cut(rest, "/")

		if token == "" {
			return Location{}, &Error{URI: uri, Field: f.name, Err: ErrInvalidFormat}
		}
		if len(token) > MaxComponentLen {
			return Location{}, &Error{URI: uri, Field: f.name, Err: ErrNameTooLong}
		}

		*f.dst = token
	}

	return loc, nil
}

// String renders the location back into its canonical address.
func (l Location) String() string {
	return Scheme + l.Service + "/" + l.Volume + "/" + l.Bucket
}
