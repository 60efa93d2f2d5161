package tunproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceFIFO(t *testing.T) {
	d := NewDevice(4)
	require.True(t, d.PushRX([]byte{1}))
	require.True(t, d.PushRX([]byte{2}))
	require.True(t, d.PushRX([]byte{3}))

	batch := d.PopRXBatch(2)
	require.Len(t, batch, 2)
	assert.Equal(t, []byte{1}, batch[0])
	assert.Equal(t, []byte{2}, batch[1])

	batch = d.PopRXBatch(0)
	require.Len(t, batch, 1)
	assert.Equal(t, []byte{3}, batch[0])

	assert.Nil(t, d.PopRXBatch(0))
}

func TestDeviceDropTail(t *testing.T) {
	d := NewDevice(2)
	require.True(t, d.PushTX([]byte{1}))
	require.True(t, d.PushTX([]byte{2}))
	assert.False(t, d.PushTX([]byte{3}))
	assert.False(t, d.PushTX([]byte{4}))

	rx, tx := d.Dropped()
	assert.Equal(t, int64(0), rx)
	assert.Equal(t, int64(2), tx)

	// the queued packets survive the overflow
	batch := d.PopTXBatch(0)
	require.Len(t, batch, 2)
	assert.Equal(t, []byte{1}, batch[0])

	// draining frees capacity again
	assert.True(t, d.PushTX([]byte{5}))
}

func TestDeviceQueuesIndependent(t *testing.T) {
	d := NewDevice(2)
	require.True(t, d.PushRX([]byte{1}))
	require.True(t, d.PushRX([]byte{2}))
	assert.False(t, d.PushRX([]byte{3}))

	// a full RX queue does not affect TX
	assert.True(t, d.PushTX([]byte{9}))
}

func TestDeviceFlush(t *testing.T) {
	d := NewDevice(4)
	d.PushRX([]byte{1})
	d.PushTX([]byte{2})
	d.Flush()
	assert.Nil(t, d.PopRXBatch(0))
	assert.Nil(t, d.PopTXBatch(0))
}

func TestDeviceZeroCapacityDefaults(t *testing.T) {
	d := NewDevice(0)
	for i := 0; i < defaultQueueCapacity; i++ {
		require.True(t, d.PushRX([]byte{byte(i)}))
	}
	assert.False(t, d.PushRX([]byte{0}))
}
