// Copyright 2024 The amldtb Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package dtbtest builds minimal flattened device tree blobs for tests.
package dtbtest

import "encoding/binary"

// Prop is one string property placed on the root node.
type Prop struct {
	Name  string
	Value string
}

const (
	fdtMagic       = 0xd00dfeed
	fdtVersion     = 17
	fdtCompVersion = 16

	headerSize = 40
	rsvmapSize = 16

	tokBeginNode = 0x1
	tokEndNode   = 0x2
	tokProp      = 0x3
	tokEnd       = 0x9
)

// Build returns a valid flattened device tree whose root node carries the
// given string properties. When totalSize exceeds the natural blob length
// the blob is zero-padded up to totalSize and the header's totalsize field
// covers the padding; zero keeps the natural length.
func Build(props []Prop, totalSize int) []byte {
	var strBlock []byte
	nameOff := make(map[string]int)
	for _, p := range props {
		if _, ok := nameOff[p.Name]; !ok {
			nameOff[p.Name] = len(strBlock)
			strBlock = append(strBlock, p.Name...)
			strBlock = append(strBlock, 0)
		}
	}

	var structBlock []byte
	putToken := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		structBlock = append(structBlock, b[:]...)
	}
	putToken(tokBeginNode)
	putToken(0) // empty root node name, NUL-padded to one word
	for _, p := range props {
		val := append([]byte(p.Value), 0)
		putToken(tokProp)
		putToken(uint32(len(val)))
		putToken(uint32(nameOff[p.Name]))
		structBlock = append(structBlock, val...)
		for len(structBlock)%4 != 0 {
			structBlock = append(structBlock, 0)
		}
	}
	putToken(tokEndNode)
	putToken(tokEnd)

	offStruct := headerSize + rsvmapSize
	offStrings := offStruct + len(structBlock)
	natural := offStrings + len(strBlock)
	if totalSize < natural {
		totalSize = natural
	}

	blob := make([]byte, totalSize)
	be := binary.BigEndian
	be.PutUint32(blob[0:4], fdtMagic)
	be.PutUint32(blob[4:8], uint32(totalSize))
	be.PutUint32(blob[8:12], uint32(offStruct))
	be.PutUint32(blob[12:16], uint32(offStrings))
	be.PutUint32(blob[16:20], headerSize)
	be.PutUint32(blob[20:24], fdtVersion)
	be.PutUint32(blob[24:28], fdtCompVersion)
	be.PutUint32(blob[28:32], 0)
	be.PutUint32(blob[32:36], uint32(len(strBlock)))
	be.PutUint32(blob[36:40], uint32(len(structBlock)))
	// The memory reservation map terminator at offset 40 is already zero.
	copy(blob[offStruct:], structBlock)
	copy(blob[offStrings:], strBlock)
	return blob
}
