// Copyright 2024 The amldtb Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package splitter extracts the individual DTB files bundled in an Amlogic
// multi-DTB container.
package splitter

import (
	"bytes"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dtbtools/amldtb/pkg/dtb"
	"github.com/dtbtools/amldtb/pkg/identifier"
	"github.com/dtbtools/amldtb/pkg/image"
)

// gzipMagic is the low 16 bits of the first container word when the input
// is a gzip stream instead of a bare container.
const gzipMagic = 0x8b1f

type Opt struct {
	// BootImgPath is the container to split, optionally gzip-compressed.
	BootImgPath string
	// Dest is prefixed verbatim to every output filename.
	Dest string
}

type Splitter struct {
	opt Opt
}

func New(opt Opt) *Splitter {
	return &Splitter{opt: opt}
}

// Split extracts every entry of the container into its own file named
// <dest><soc>-<platform>-<variant>.dtb and returns the number of files
// written. An entry whose embedded blob fails validation is skipped with a
// diagnostic; a malformed container header or any I/O failure aborts the
// whole operation.
func (s *Splitter) Split() (int, error) {
	data, err := os.ReadFile(s.opt.BootImgPath)
	if err != nil {
		return 0, errors.Wrap(err, "read boot image")
	}

	header, err := image.UnmarshalHeader(data)
	if err != nil {
		if !errors.Is(err, image.ErrBadMagic) || header.Magic&0xffff != gzipMagic {
			return 0, err
		}
		logrus.Infof("gzip stream detected, decompressing")
		if data, err = gunzip(data); err != nil {
			return 0, errors.Wrap(err, "decompress boot image")
		}
		if header, err = image.UnmarshalHeader(data); err != nil {
			return 0, err
		}
	}

	codec, err := image.CodecForVersion(header.Version)
	if err != nil {
		return 0, err
	}
	logrus.Infof("container version %d with %d entries", header.Version, header.EntryCount)

	// The entry count is untrusted input; reject it before sizing anything
	// by it. Division keeps the comparison overflow-free.
	if int(header.EntryCount) > (len(data)-image.HeaderSize)/codec.Size() {
		return 0, errors.Wrapf(image.ErrTruncated, "%d entries do not fit in %d bytes", header.EntryCount, len(data))
	}

	entries := make([]image.Entry, 0, header.EntryCount)
	off := image.HeaderSize
	for i := uint32(0); i < header.EntryCount; i++ {
		entry, err := codec.Unmarshal(data[off:])
		if err != nil {
			return 0, errors.Wrapf(err, "entry %d", i)
		}
		entries = append(entries, entry)
		off += codec.Size()
	}

	extracted := 0
	for _, entry := range entries {
		id := identifier.Decode(entry.SoC, entry.Platform, entry.Variant)
		logrus.Infof("found entry %s", id)

		blob, err := sliceBlob(data, entry)
		if err != nil {
			if errors.Is(err, dtb.ErrBadMagic) {
				logrus.Warnf("skipping entry %s: %s", id, err)
				continue
			}
			return extracted, errors.Wrapf(err, "entry %s", id)
		}

		outPath := s.opt.Dest + id + dtb.Extension
		if err := os.WriteFile(outPath, blob, 0644); err != nil {
			return extracted, errors.Wrapf(err, "write %s", outPath)
		}
		logrus.Infof("extracted %s: offset %d size %d digest %s",
			outPath, entry.Offset, len(blob), digest.FromBytes(blob))
		extracted++
	}

	return extracted, nil
}

// sliceBlob validates the embedded blob header at the entry's offset and
// returns exactly the blob's self-declared size. A magic mismatch is a
// per-entry condition; an offset or size outside the container is reported
// like a failed read and aborts the batch.
func sliceBlob(data []byte, entry image.Entry) ([]byte, error) {
	off := int(entry.Offset)
	if off < 0 || off+dtb.HeaderSize > len(data) {
		return nil, errors.Errorf("offset %d out of range", entry.Offset)
	}
	totalsize, err := dtb.ParseHeader(data[off:])
	if err != nil {
		return nil, err
	}
	end := off + int(totalsize)
	if end > len(data) {
		return nil, errors.Errorf("blob of %d bytes at offset %d exceeds container", totalsize, entry.Offset)
	}
	return data[off:end], nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
