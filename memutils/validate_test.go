package memutils_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/remotevec/memutils"
)

func TestMagicValue(t *testing.T) {
	buffer := make([]uint32, 4+memutils.DebugMargin/4)
	data := unsafe.Pointer(&buffer[0])

	memutils.WriteMagicValue(data, 16)
	require.True(t, memutils.ValidateMagicValue(data, 16))

	if memutils.DebugMargin == 0 {
		return
	}

	buffer[len(buffer)-1] = 0
	require.False(t, memutils.ValidateMagicValue(data, 16))
}
