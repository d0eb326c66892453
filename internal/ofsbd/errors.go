// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ofsbd

import (
	"errors"

	"github.com/ofsbd/ofsbd/internal/ofsbd/store"
)

var (
	ErrInvalidConfig     = errors.New("invalid config")
	ErrAlreadyExists     = errors.New("device already exists")
	ErrNotFound          = errors.New("device not found")
	ErrOutOfBounds       = errors.New("request out of device bounds")
	ErrUnsupported       = errors.New("unsupported operation")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrInvalidBuffer     = errors.New("buffer smaller than request")
)

// Backing store failures, see package store.
var (
	ErrConnect        = store.ErrConnect
	ErrIO             = store.ErrIO
	ErrNotReachable   = store.ErrNotReachable
	ErrPartialWrite   = store.ErrPartialWrite
	ErrObjectNotFound = store.ErrObjectNotFound
)
