// Copyright 2024 The amldtb Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package splitter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/dtbtools/amldtb/pkg/dtb"
	"github.com/dtbtools/amldtb/pkg/dtb/dtbtest"
	"github.com/dtbtools/amldtb/pkg/identifier"
	"github.com/dtbtools/amldtb/pkg/image"
	"github.com/dtbtools/amldtb/pkg/packer"
)

type fixture struct {
	id   string
	size int
}

// packContainer packs the fixtures into a fresh container and returns its
// path plus the expected blob per dash-form identifier. Sizes are chosen by
// callers to avoid exact page multiples: the format records a full extra
// page for an aligned blob while writing no filler after it, which leaves
// the recorded offsets of its successors pointing past their actual data.
func packContainer(t *testing.T, fixtures []fixture, pageSize int) (string, map[string][]byte) {
	t.Helper()
	inputDir := t.TempDir()
	want := make(map[string][]byte)
	for i, f := range fixtures {
		blob := dtbtest.Build([]dtbtest.Prop{{Name: dtb.IDProperty, Value: f.id}}, f.size)
		name := fmt.Sprintf("input%d.dtb", i)
		require.NoError(t, os.WriteFile(filepath.Join(inputDir, name), blob, 0644))
		want[strings.ReplaceAll(f.id, "_", "-")] = blob
	}

	imgPath := filepath.Join(t.TempDir(), "dtb.img")
	count, err := packer.New(packer.Opt{OutFile: imgPath, InputDir: inputDir, PageSize: pageSize}).Pack()
	require.NoError(t, err)
	require.Equal(t, len(fixtures), count)
	return imgPath, want
}

func destPrefix(t *testing.T) string {
	t.Helper()
	return t.TempDir() + string(os.PathSeparator)
}

func requireExtracted(t *testing.T, dest string, want map[string][]byte) {
	t.Helper()
	for id, blob := range want {
		got, err := os.ReadFile(dest + id + dtb.Extension)
		require.NoError(t, err)
		require.Equal(t, blob, got)
	}
}

func TestSplitRoundTrip(t *testing.T) {
	img, want := packContainer(t, []fixture{
		{id: "gxbb_p200_1a", size: 0},
		{id: "gxl_p212_2b", size: 3000},
		{id: "axg_s400_1", size: 5000},
	}, 2048)

	dest := destPrefix(t)
	count, err := New(Opt{BootImgPath: img, Dest: dest}).Split()
	require.NoError(t, err)
	require.Equal(t, 3, count)
	requireExtracted(t, dest, want)
}

func TestSplitGzipTransparency(t *testing.T) {
	img, want := packContainer(t, []fixture{
		{id: "gxbb_p200_1a", size: 3000},
		{id: "gxl_p212_2b", size: 5000},
	}, 2048)

	plain, err := os.ReadFile(img)
	require.NoError(t, err)
	gzPath := filepath.Join(t.TempDir(), "dtb.img.gz")
	out, err := os.Create(gzPath)
	require.NoError(t, err)
	zw := gzip.NewWriter(out)
	_, err = zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())

	dest := destPrefix(t)
	count, err := New(Opt{BootImgPath: gzPath, Dest: dest}).Split()
	require.NoError(t, err)
	require.Equal(t, 2, count)
	requireExtracted(t, dest, want)
}

func TestSplitFaultIsolation(t *testing.T) {
	img, want := packContainer(t, []fixture{
		{id: "gxbb_p200_1a", size: 3000},
		{id: "gxl_p212_2b", size: 3000},
		{id: "axg_s400_1", size: 3000},
	}, 2048)

	// corrupt the magic of the second embedded blob only
	data, err := os.ReadFile(img)
	require.NoError(t, err)
	codec, err := image.CodecForVersion(image.VersionCurrent)
	require.NoError(t, err)
	second, err := codec.Unmarshal(data[image.HeaderSize+codec.Size():])
	require.NoError(t, err)
	corruptedID := identifier.Decode(second.SoC, second.Platform, second.Variant)
	data[second.Offset] ^= 0xff
	require.NoError(t, os.WriteFile(img, data, 0644))

	hook := test.NewGlobal()
	defer hook.Reset()

	dest := destPrefix(t)
	count, err := New(Opt{BootImgPath: img, Dest: dest}).Split()
	require.NoError(t, err)
	require.Equal(t, 2, count)

	warnings := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warnings++
		}
	}
	require.Equal(t, 1, warnings)

	_, err = os.Stat(dest + corruptedID + dtb.Extension)
	require.True(t, os.IsNotExist(err))
	delete(want, corruptedID)
	requireExtracted(t, dest, want)
}

func TestSplitLegacyVersionDispatch(t *testing.T) {
	blob := dtbtest.Build([]dtbtest.Prop{{Name: dtb.IDProperty, Value: "gxb_p20_1"}}, 0)

	codec, err := image.CodecForVersion(image.VersionLegacy)
	require.NoError(t, err)
	offset := image.HeaderSize + codec.Size() + image.StatusSize
	buf := image.MarshalHeader(image.Header{
		Magic:      image.Magic,
		Version:    image.VersionLegacy,
		EntryCount: 1,
	})
	buf = append(buf, codec.Marshal(image.Entry{
		SoC:      identifier.EncodeField(codec.IDWidth(), "gxb"),
		Platform: identifier.EncodeField(codec.IDWidth(), "p20"),
		Variant:  identifier.EncodeField(codec.IDWidth(), "1"),
		Offset:   uint32(offset),
		DTBSize:  uint32(len(blob)),
	})...)
	buf = append(buf, make([]byte, image.StatusSize)...)
	buf = append(buf, blob...)

	img := filepath.Join(t.TempDir(), "dtb.img")
	require.NoError(t, os.WriteFile(img, buf, 0644))

	dest := destPrefix(t)
	count, err := New(Opt{BootImgPath: img, Dest: dest}).Split()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, err := os.ReadFile(dest + "gxb-p20-1" + dtb.Extension)
	require.NoError(t, err)
	require.Equal(t, blob, got)
}

func TestSplitUnsupportedVersion(t *testing.T) {
	buf := image.MarshalHeader(image.Header{Magic: image.Magic, Version: 3, EntryCount: 1})
	img := filepath.Join(t.TempDir(), "dtb.img")
	require.NoError(t, os.WriteFile(img, buf, 0644))

	destDir := t.TempDir()
	count, err := New(Opt{BootImgPath: img, Dest: destDir + string(os.PathSeparator)}).Split()
	require.ErrorIs(t, err, image.ErrBadVersion)
	require.Equal(t, 0, count)

	dirents, err := os.ReadDir(destDir)
	require.NoError(t, err)
	require.Empty(t, dirents)
}

func TestSplitOverstatedEntryCount(t *testing.T) {
	// a bare header claiming 4G entries must fail cleanly, not size any
	// allocation from the count
	buf := image.MarshalHeader(image.Header{
		Magic:      image.Magic,
		Version:    image.VersionCurrent,
		EntryCount: 0xffffffff,
	})
	img := filepath.Join(t.TempDir(), "dtb.img")
	require.NoError(t, os.WriteFile(img, buf, 0644))

	count, err := New(Opt{BootImgPath: img, Dest: destPrefix(t)}).Split()
	require.ErrorIs(t, err, image.ErrTruncated)
	require.Equal(t, 0, count)
}

func TestSplitBadMagic(t *testing.T) {
	img := filepath.Join(t.TempDir(), "dtb.img")
	require.NoError(t, os.WriteFile(img, []byte("this is not a container image"), 0644))

	_, err := New(Opt{BootImgPath: img, Dest: destPrefix(t)}).Split()
	require.ErrorIs(t, err, image.ErrBadMagic)
}
