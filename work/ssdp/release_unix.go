//go:build unix

package ssdp

import "golang.org/x/sys/unix"

// osRelease is the kernel release, as uname -r prints it.
func osRelease() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "unknown"
	}
	return unix.ByteSliceToString(u.Release[:])
}
