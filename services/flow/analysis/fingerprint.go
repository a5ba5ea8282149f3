// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives a stable content fingerprint from source text.
//
// Line endings are normalized first so the same file checked out with
// CRLF and LF fingerprints identically. Any other change to the
// content, including whitespace, produces a new fingerprint and
// invalidates cached analyses built from the old content.
func Fingerprint(content string) string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
