//go:build linux

package alloc

import "golang.org/x/sys/unix"

func remap(data []byte, size int) ([]byte, error) {
	return unix.Mremap(data, size, unix.MREMAP_MAYMOVE)
}
