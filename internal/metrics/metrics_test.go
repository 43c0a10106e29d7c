package metrics

import (
	"testing"
	"time"
)

func TestRecordPoolStats(t *testing.T) {
	RecordPoolStats(256, 256, 64*1024*1024)
	RecordPoolStats(256, 100, 64*1024*1024)
	// Gauges update in place - just verify no panic
}

func TestRecordAllocation(t *testing.T) {
	RecordAllocation(true, 255)
	RecordAllocation(true, 254)
	RecordAllocation(false, 0)
}

func TestRecordRelease(t *testing.T) {
	RecordRelease(1, 255)
	RecordRelease(32, 287)
}

func TestRecordDecode(t *testing.T) {
	RecordDecode(1, 2*time.Millisecond)
	RecordDecode(64, 40*time.Millisecond)
}

func TestRecordDecodeError(t *testing.T) {
	RecordDecodeError("empty_batch")
	RecordDecodeError("dimension_mismatch")
	RecordDecodeError("layer_out_of_range")
}

func TestRecordContextLength(t *testing.T) {
	RecordContextLength(1)
	RecordContextLength(500)
	RecordContextLength(32000)
}

func TestRecordDequantError(t *testing.T) {
	RecordDequantError(0.001)
	RecordDequantError(0.1)
}
