package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegionSizing(t *testing.T) {
	assert.Equal(t, 48, headerSize)
	assert.Equal(t, 4+64, slotStride(64))
	assert.Equal(t, 48+4*(4+64), regionSize(4, 64))
	assert.Equal(t, 48, slotOffset(0, 64))
	assert.Equal(t, 48+3*(4+64), slotOffset(3, 64))

	// Zero-byte slots still carry their length prefix.
	assert.Equal(t, 48+2*4, regionSize(2, 0))
}

func TestSemNames(t *testing.T) {
	tests := []struct {
		ring                string
		free, filled, mutex string
	}{
		{"/ring_t1", "/ring_t1_free", "/ring_t1_filled", "/ring_t1_mutex"},
		{"/ipc/demo/7", "/ipc_demo_7_free", "/ipc_demo_7_filled", "/ipc_demo_7_mutex"},
		{"bare", "/bare_free", "/bare_filled", "/bare_mutex"},
	}
	for _, tt := range tests {
		free, filled, mutex := semNames(tt.ring)
		assert.Equal(t, tt.free, free, tt.ring)
		assert.Equal(t, tt.filled, filled, tt.ring)
		assert.Equal(t, tt.mutex, mutex, tt.ring)
	}
}
