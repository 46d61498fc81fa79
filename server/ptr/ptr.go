// Package ptr includes functions for creating pointers from values.
package ptr

import "time"

func Time(x time.Time) *time.Time {
	return &x
}
