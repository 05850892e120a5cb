/*
Copyright (c) 2026 forgeman-ai
SPDX-License-Identifier: MIT
*/

package sandbox

import (
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

// ResourceCaps bounds a single Run. Quantities reuse
// k8s.io/apimachinery's resource.Quantity parser (the teacher's
// pod_builder.go/parseQuantity used it for container resources; here it
// sizes a local process's limits instead of a Pod's resource block) so
// the memory and disk caps are written the same way an operator already
// writes them ("512Mi", "1Gi"); CPUTime and WallTime are plain durations.
//
// Run's monitor enforces WallTime, MaxRSS and MaxOutputBytes. CPUTime,
// MaxFDs and DiskQuota are carried with the caps but nothing enforces them.
type ResourceCaps struct {
	WallTime       time.Duration
	CPUTime        time.Duration
	MaxRSS         resource.Quantity
	MaxOutputBytes int64
	MaxFDs         int
	DiskQuota      resource.Quantity
}

// DefaultCapsForTier returns the baseline caps for a sandbox tier (spec
// §4.4's resource caps table, "configurable per sandbox tier").
func DefaultCapsForTier(tier string) ResourceCaps {
	switch tier {
	case "high":
		return ResourceCaps{
			WallTime:       10 * time.Minute,
			CPUTime:        5 * time.Minute,
			MaxRSS:         resource.MustParse("512Mi"),
			MaxOutputBytes: 8 * 1024 * 1024,
			MaxFDs:         64,
			DiskQuota:      resource.MustParse("256Mi"),
		}
	case "medium":
		return ResourceCaps{
			WallTime:       20 * time.Minute,
			CPUTime:        10 * time.Minute,
			MaxRSS:         resource.MustParse("1Gi"),
			MaxOutputBytes: 32 * 1024 * 1024,
			MaxFDs:         256,
			DiskQuota:      resource.MustParse("1Gi"),
		}
	default: // "low"
		return ResourceCaps{
			WallTime:       30 * time.Minute,
			CPUTime:        20 * time.Minute,
			MaxRSS:         resource.MustParse("2Gi"),
			MaxOutputBytes: 128 * 1024 * 1024,
			MaxFDs:         1024,
			DiskQuota:      resource.MustParse("4Gi"),
		}
	}
}
