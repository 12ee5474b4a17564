//go:build unix && !linux

package alloc

import "golang.org/x/sys/unix"

// Without mremap, a new mapping is made and the old contents copied across
func remap(data []byte, size int) ([]byte, error) {
	newData, err := mapAnonymous(size)
	if err != nil {
		return nil, err
	}

	copy(newData, data)

	err = unix.Munmap(data)
	if err != nil {
		_ = unix.Munmap(newData)
		return nil, err
	}

	return newData, nil
}
