// Copyright 2024 The amldtb Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package identifier converts between the human-readable chip identifier
// (soc-platform-variant) and the container's fixed-width on-disk fields.
//
// On disk each field stores its bytes with every 4-byte word reversed. The
// reversal is per word, independent of the surrounding bytes; it is not a
// big/little-endian swap of the whole field.
package identifier

import (
	"strings"
	"unicode"
)

// ReverseWords reverses the byte order of each 4-byte word of b in place.
// A trailing group shorter than a word is reversed as-is.
func ReverseWords(b []byte) {
	for off := 0; off < len(b); off += 4 {
		end := off + 4
		if end > len(b) {
			end = len(b)
		}
		for i, j := off, end-1; i < j; i, j = i+1, j-1 {
			b[i], b[j] = b[j], b[i]
		}
	}
}

// DecodeField recovers the text of one on-disk identifier field: reverse
// each word, then trim the trailing NUL/space padding.
func DecodeField(field []byte) string {
	b := make([]byte, len(field))
	copy(b, field)
	ReverseWords(b)
	return strings.TrimRight(string(b), "\x00 ")
}

// Decode joins the three on-disk fields into a soc-platform-variant string.
func Decode(soc, plat, vari []byte) string {
	return DecodeField(soc) + "-" + DecodeField(plat) + "-" + DecodeField(vari)
}

// EncodeField builds the on-disk form of one identifier component. Up to
// width-1 bytes are copied; the copy stops early at the first non-ASCII or
// whitespace byte, so malformed input degrades to a truncated or blank
// field rather than an error. The unwritten tail is NUL, the trailing NUL
// run is then converted to spaces, and finally each word is reversed.
func EncodeField(width int, s string) []byte {
	b := make([]byte, width)
	n := len(s)
	if n > width-1 {
		n = width - 1
	}
	for i := 0; i < n; i++ {
		c := s[i]
		if c > unicode.MaxASCII || unicode.IsSpace(rune(c)) {
			break
		}
		b[i] = c
	}
	padSpaces(b)
	ReverseWords(b)
	return b
}

// padSpaces converts the trailing NUL run into spaces; the format's readers
// expect unset identifier bytes to look like space padding.
func padSpaces(b []byte) {
	for i := len(b) - 1; i >= 0 && b[i] == 0; i-- {
		b[i] = ' '
	}
}
