// Copyright 2024 The amldtb Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package dtb handles the outer shell of a flattened device tree blob: the
// magic/totalsize header and the root-node property carrying the chip
// identifier. Blob contents are otherwise opaque to this tool.
package dtb

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/u-root/u-root/pkg/dt"
)

// Extension is the file extension for embedded blobs on both operations.
const Extension = ".dtb"

// IDProperty is the root-node property naming the chip configuration,
// e.g. "gxbb_p200_1a".
const IDProperty = "amlogic-dt-id"

// Magic is the FDT signature bytes d0 0d fe ed read as a little-endian
// word, matching how the container's readers compare it.
const Magic uint32 = 0xedfe0dd0

// HeaderSize covers the magic and the totalsize field.
const HeaderSize = 8

var ErrBadMagic = errors.New("invalid DTB magic")

// ParseHeader validates the blob signature and returns the blob's total
// size. The size field belongs to the FDT format and is big-endian
// regardless of how the surrounding container is encoded.
func ParseHeader(b []byte) (uint32, error) {
	if len(b) < HeaderSize {
		return 0, errors.Wrapf(ErrBadMagic, "short blob header: %d bytes", len(b))
	}
	if m := binary.LittleEndian.Uint32(b[0:4]); m != Magic {
		return 0, errors.Wrapf(ErrBadMagic, "found 0x%08x", m)
	}
	return binary.BigEndian.Uint32(b[4:8]), nil
}

// RootProperty returns the string value of the named property on the
// blob's root node. A parse failure, a missing property or an empty value
// are all reported as errors; callers decide whether that skips the file.
func RootProperty(blob []byte, name string) (string, error) {
	fdt, err := dt.ReadFDT(bytes.NewReader(blob))
	if err != nil {
		return "", errors.Wrap(err, "parse device tree")
	}
	prop, ok := fdt.RootNode.LookProperty(name)
	if !ok {
		return "", errors.Errorf("property %q not found at root node", name)
	}
	v := prop.Value
	if i := bytes.IndexByte(v, 0); i >= 0 {
		v = v[:i]
	}
	if len(v) == 0 {
		return "", errors.Errorf("property %q is empty", name)
	}
	return string(v), nil
}
