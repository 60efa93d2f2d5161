package tunproxy

import (
	"sync"
)

// Device is the virtual tunnel device between the platform boundary and the
// stack: two bounded FIFO queues of raw IP datagrams. Overflow is drop-tail
// with a counter; no blocking on either side.
type Device struct {
	mu sync.Mutex

	rx  [][]byte
	tx  [][]byte
	cap int

	rxDropped int64
	txDropped int64
}

// NewDevice creates a device with the given per-queue capacity.
func NewDevice(capacity int) *Device {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Device{cap: capacity}
}

// PushRX enqueues a platform-delivered packet for the stack. Returns false
// when the queue is full and the packet was dropped.
func (d *Device) PushRX(pkt []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rx) >= d.cap {
		d.rxDropped++
		return false
	}
	d.rx = append(d.rx, pkt)
	return true
}

// PopRXBatch dequeues up to max pending inbound packets; max <= 0 drains.
func (d *Device) PopRXBatch(max int) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return popBatch(&d.rx, max)
}

// PushTX enqueues a stack-emitted packet for the platform.
func (d *Device) PushTX(pkt []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tx) >= d.cap {
		d.txDropped++
		return false
	}
	d.tx = append(d.tx, pkt)
	return true
}

// PopTXBatch dequeues up to max pending outbound packets; max <= 0 drains.
func (d *Device) PopTXBatch(max int) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return popBatch(&d.tx, max)
}

// Dropped returns the rx and tx drop-tail counters.
func (d *Device) Dropped() (rx, tx int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxDropped, d.txDropped
}

// Flush discards everything queued in both directions.
func (d *Device) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx = nil
	d.tx = nil
}

func popBatch(q *[][]byte, max int) [][]byte {
	n := len(*q)
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}
	out := make([][]byte, n)
	copy(out, (*q)[:n])
	rest := (*q)[n:]
	if len(rest) == 0 {
		*q = nil
	} else {
		*q = append([][]byte(nil), rest...)
	}
	return out
}
