// Copyright 2024 The amldtb Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package image implements the on-disk layout of the Amlogic multi-DTB
// container.
package image

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Layout
//
// header:  magic | version | entry_count
// entries: soc | plat | vari | offset | dtb_size  (id width 4 or 16)
// status:  4 bytes, always zero
// padding to a page boundary, then the page-padded blobs.
//
// All container fields are little-endian and tightly packed; the records
// are (de)serialized with explicit offsets so no struct padding can leak
// into the wire format.

// Magic is the ASCII signature "AML_" read as a little-endian word.
const Magic uint32 = 0x5f4c4d41

const (
	// VersionLegacy containers carry 4-byte identifier fields.
	VersionLegacy uint32 = 1
	// VersionCurrent containers carry 16-byte identifier fields; pack
	// always emits this version.
	VersionCurrent uint32 = 2
)

// HeaderSize is the fixed container prologue size in bytes.
const HeaderSize = 12

// StatusSize is the reserved field written after the entry table.
const StatusSize = 4

const (
	idWidthLegacy  = 4
	idWidthCurrent = 16
)

var (
	ErrBadMagic   = errors.New("invalid container magic")
	ErrBadVersion = errors.New("unsupported container version")
	ErrTruncated  = errors.New("truncated container")
)

// Header is the fixed container prologue.
type Header struct {
	Magic      uint32
	Version    uint32
	EntryCount uint32
}

// Entry describes one embedded DTB. The identifier fields hold the raw
// on-disk bytes (word-reversed, NUL/space padded); their width depends on
// the container version, so the codec sizes them.
type Entry struct {
	SoC      []byte
	Platform []byte
	Variant  []byte
	Offset   uint32
	DTBSize  uint32
}

// MarshalHeader encodes the 12-byte container prologue.
func MarshalHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.EntryCount)
	return b
}

// UnmarshalHeader decodes the container prologue and validates the magic.
// The decoded header is returned even on mismatch so callers can sniff a
// gzip stream from the raw first word before declaring the input malformed.
// Version validation is left to CodecForVersion.
func UnmarshalHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(ErrTruncated, "header needs %d bytes, have %d", HeaderSize, len(b))
	}
	h := Header{
		Magic:      binary.LittleEndian.Uint32(b[0:4]),
		Version:    binary.LittleEndian.Uint32(b[4:8]),
		EntryCount: binary.LittleEndian.Uint32(b[8:12]),
	}
	if h.Magic != Magic {
		return h, errors.Wrapf(ErrBadMagic, "found 0x%08x", h.Magic)
	}
	return h, nil
}

// EntryCodec marshals one fixed-width entry record. Two record shapes exist
// on disk; the right one is selected once from the decoded header version.
type EntryCodec struct {
	idWidth int
}

// CodecForVersion returns the entry codec matching the header version, or
// ErrBadVersion for anything but 1 or 2.
func CodecForVersion(version uint32) (EntryCodec, error) {
	switch version {
	case VersionLegacy:
		return EntryCodec{idWidth: idWidthLegacy}, nil
	case VersionCurrent:
		return EntryCodec{idWidth: idWidthCurrent}, nil
	default:
		return EntryCodec{}, errors.Wrapf(ErrBadVersion, "version %d", version)
	}
}

// IDWidth returns the identifier field width in bytes.
func (c EntryCodec) IDWidth() int { return c.idWidth }

// Size returns the on-disk entry record size in bytes.
func (c EntryCodec) Size() int { return 3*c.idWidth + 8 }

// Marshal encodes one entry record. Identifier fields shorter than the
// codec width are zero-extended; longer ones are truncated.
func (c EntryCodec) Marshal(e Entry) []byte {
	b := make([]byte, c.Size())
	copy(b[0:c.idWidth], e.SoC)
	copy(b[c.idWidth:2*c.idWidth], e.Platform)
	copy(b[2*c.idWidth:3*c.idWidth], e.Variant)
	binary.LittleEndian.PutUint32(b[3*c.idWidth:3*c.idWidth+4], e.Offset)
	binary.LittleEndian.PutUint32(b[3*c.idWidth+4:3*c.idWidth+8], e.DTBSize)
	return b
}

// Unmarshal decodes one entry record, copying the identifier fields out of
// the source buffer.
func (c EntryCodec) Unmarshal(b []byte) (Entry, error) {
	if len(b) < c.Size() {
		return Entry{}, errors.Wrapf(ErrTruncated, "entry needs %d bytes, have %d", c.Size(), len(b))
	}
	e := Entry{
		SoC:      make([]byte, c.idWidth),
		Platform: make([]byte, c.idWidth),
		Variant:  make([]byte, c.idWidth),
		Offset:   binary.LittleEndian.Uint32(b[3*c.idWidth : 3*c.idWidth+4]),
		DTBSize:  binary.LittleEndian.Uint32(b[3*c.idWidth+4 : 3*c.idWidth+8]),
	}
	copy(e.SoC, b[0:c.idWidth])
	copy(e.Platform, b[c.idWidth:2*c.idWidth])
	copy(e.Variant, b[2*c.idWidth:3*c.idWidth])
	return e, nil
}
