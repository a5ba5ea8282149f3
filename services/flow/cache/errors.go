// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import "errors"

// Sentinel errors for the analysis cache.
var (
	// ErrDurableUnavailable indicates the durable tier could not be
	// opened; the cache runs session-tier-only.
	ErrDurableUnavailable = errors.New("durable cache unavailable")

	// ErrCorruptEntry indicates a stored entry failed to decode. The
	// entry is removed on detection.
	ErrCorruptEntry = errors.New("corrupt cache entry")
)
