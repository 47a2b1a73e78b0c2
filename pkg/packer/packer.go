// Copyright 2024 The amldtb Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package packer assembles a directory of DTB files into an Amlogic
// multi-DTB container.
package packer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dtbtools/amldtb/pkg/dtb"
	"github.com/dtbtools/amldtb/pkg/identifier"
	"github.com/dtbtools/amldtb/pkg/image"
	"github.com/dtbtools/amldtb/pkg/utils"
)

// ErrNoInput means the scan collected zero usable DTB files; no output
// container is written in that case.
var ErrNoInput = errors.New("no valid DTB files found")

// ErrBadPageSize rejects a non-positive alignment granularity before any
// size arithmetic divides by it.
var ErrBadPageSize = errors.New("page size must be positive")

type Opt struct {
	// OutFile is the container path to create.
	OutFile string
	// InputDir is scanned non-recursively for *.dtb files.
	InputDir string
	// PageSize is the alignment granularity for blob offsets and sizes.
	PageSize int
}

type Packer struct {
	opt Opt
}

// chipInfo carries one scanned DTB from the directory scan to the container
// write. It is owned by a single Pack call and discarded afterwards.
type chipInfo struct {
	soc      string
	platform string
	variant  string
	// recordedSize is the page-padded size stored in the entry record. It
	// always includes at least one byte of padding and a full extra page
	// when the blob is already aligned; the format's readers rely on that
	// slack, so this is not the usual round-up-to-zero.
	recordedSize uint32
	blob         []byte
}

func New(opt Opt) *Packer {
	return &Packer{opt: opt}
}

// Pack scans the input directory and writes the container, returning the
// number of entries packed. Files without a usable identifier property are
// skipped with a diagnostic; zero usable files aborts with ErrNoInput
// before any output is created.
func (p *Packer) Pack() (int, error) {
	if p.opt.PageSize <= 0 {
		return 0, errors.Wrapf(ErrBadPageSize, "got %d", p.opt.PageSize)
	}
	chips, err := p.scan()
	if err != nil {
		return 0, err
	}
	logrus.Infof("found %d unique DTB(s)", len(chips))
	if len(chips) == 0 {
		return 0, ErrNoInput
	}
	if err := p.write(chips); err != nil {
		return 0, err
	}
	logrus.Infof("output written to %q", p.opt.OutFile)
	return len(chips), nil
}

func (p *Packer) scan() ([]chipInfo, error) {
	dirents, err := os.ReadDir(p.opt.InputDir)
	if err != nil {
		return nil, errors.Wrap(err, "read input directory")
	}

	var chips []chipInfo
	for _, dirent := range dirents {
		if dirent.IsDir() || filepath.Ext(dirent.Name()) != dtb.Extension {
			continue
		}
		logrus.Infof("found file %q", dirent.Name())

		blob, err := os.ReadFile(filepath.Join(p.opt.InputDir, dirent.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "read %q", dirent.Name())
		}
		chip, err := p.parseChip(blob)
		if err != nil {
			logrus.Warnf("skipping %q: %s", dirent.Name(), err)
			continue
		}
		chips = append(chips, chip)
	}
	return chips, nil
}

// parseChip extracts the chip identifier from the blob's device tree and
// computes the size that will be recorded in its entry. Any failure here is
// a per-file condition, not fatal to the batch.
func (p *Packer) parseChip(blob []byte) (chipInfo, error) {
	id, err := dtb.RootProperty(blob, dtb.IDProperty)
	if err != nil {
		return chipInfo{}, err
	}
	parts := strings.Split(strings.ReplaceAll(id, "_", "-"), "-")
	if len(parts) != 3 {
		return chipInfo{}, errors.Errorf("cannot parse %s %q", dtb.IDProperty, id)
	}
	return chipInfo{
		soc:          parts[0],
		platform:     parts[1],
		variant:      parts[2],
		recordedSize: uint32(len(blob) + (p.opt.PageSize - len(blob)%p.opt.PageSize)),
		blob:         blob,
	}, nil
}

func (p *Packer) write(chips []chipInfo) error {
	out, err := os.Create(p.opt.OutFile)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	defer out.Close()

	header := image.Header{
		Magic:      image.Magic,
		Version:    image.VersionCurrent,
		EntryCount: uint32(len(chips)),
	}
	if _, err := out.Write(image.MarshalHeader(header)); err != nil {
		return errors.Wrap(err, "write header")
	}

	codec, err := image.CodecForVersion(image.VersionCurrent)
	if err != nil {
		return err
	}

	// First blob offset: header, entry table and status field, rounded up
	// with the same always-add rule as the recorded sizes (a full extra
	// page when already aligned).
	tableEnd := image.HeaderSize + codec.Size()*len(chips) + image.StatusSize
	padding := p.opt.PageSize - tableEnd%p.opt.PageSize
	offset := uint32(tableEnd + padding)

	for _, chip := range chips {
		entry := image.Entry{
			SoC:      identifier.EncodeField(codec.IDWidth(), chip.soc),
			Platform: identifier.EncodeField(codec.IDWidth(), chip.platform),
			Variant:  identifier.EncodeField(codec.IDWidth(), chip.variant),
			Offset:   offset,
			DTBSize:  chip.recordedSize,
		}
		if _, err := out.Write(codec.Marshal(entry)); err != nil {
			return errors.Wrap(err, "write entry")
		}
		offset += chip.recordedSize
	}

	if _, err := out.Write(make([]byte, image.StatusSize)); err != nil {
		return errors.Wrap(err, "write status field")
	}

	filler := make([]byte, p.opt.PageSize)
	if padding > 0 {
		if _, err := out.Write(filler[:padding]); err != nil {
			return errors.Wrap(err, "write table padding")
		}
	}

	for _, chip := range chips {
		if _, err := out.Write(chip.blob); err != nil {
			return errors.Wrap(err, "write blob")
		}
		// Zero for an already aligned blob, even though its recorded size
		// above still carries a full extra page.
		if pad := utils.TrailingPad(len(chip.blob), p.opt.PageSize); pad > 0 {
			if _, err := out.Write(filler[:pad]); err != nil {
				return errors.Wrap(err, "write blob padding")
			}
		}
	}

	if err := out.Sync(); err != nil {
		return errors.Wrap(err, "flush output file")
	}
	return nil
}
