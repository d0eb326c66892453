// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// ofsbd exposes fixed-size block devices backed by an ofs:// object store.
// The linear address space of a device is split into fixed-size chunks and
// every chunk is stored as one object at /<volume>/<bucket>/<device>/chunk_<id>.
//
// The package owns the registry of live devices and the translation of block
// requests into chunk operations. The backing store is hidden behind the
// store.Conn interface and a per device objproxy.ObjectProxy, so the
// transport can be changed just by implementing the interface.
//
// Requests against the same chunk are not ordered by this package. Callers
// needing ordering have to serialize them.
package ofsbd
