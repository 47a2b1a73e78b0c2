// Copyright 2024 The amldtb Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package utils

import "os"

// IsPathExists reports whether path exists.
func IsPathExists(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	return false
}

// TrailingPad returns the filler needed to bring length up to the next page
// boundary on the write path: zero when already aligned. The size recorded
// in entry headers follows a different rule (always at least one byte, a
// full page when aligned) and is computed where the entries are built; the
// two rules must stay separate.
func TrailingPad(length, pageSize int) int {
	pad := pageSize - length%pageSize
	if pad == pageSize {
		return 0
	}
	return pad
}
