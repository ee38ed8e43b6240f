package util

import "runtime"

// Wipe zeroes key material once it is no longer needed.
func Wipe(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}
