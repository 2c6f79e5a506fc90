package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordOperation(t *testing.T) {
	tests := []struct {
		name     string
		driver   string
		result   string
		duration float64
	}{
		{"svc success", "svc", "success", 0.002},
		{"control protocol error", "control", "protocol", 0.001},
		{"loopback zero duration", "loopback", "success", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordOperation(tt.driver, tt.result, tt.duration)
			count := testutil.ToFloat64(operationsTotal.WithLabelValues(tt.driver, tt.result))
			if count <= 0 {
				t.Errorf("counter for %s/%s not incremented", tt.driver, tt.result)
			}
		})
	}
}

func TestSetInterfacesAttachedAndConnectionsActive(t *testing.T) {
	SetInterfacesAttached(3)
	if got := testutil.ToFloat64(interfacesAttached); got != 3 {
		t.Errorf("interfacesAttached = %v, want 3", got)
	}

	SetConnectionsActive(5)
	if got := testutil.ToFloat64(connectionsActive); got != 5 {
		t.Errorf("connectionsActive = %v, want 5", got)
	}

	SetInterfacesAttached(0)
	if got := testutil.ToFloat64(interfacesAttached); got != 0 {
		t.Errorf("interfacesAttached = %v, want 0", got)
	}
}

func TestRecordTransportError(t *testing.T) {
	RecordTransportError("serial", "read")
	count := testutil.ToFloat64(transportErrorsTotal.WithLabelValues("serial", "read"))
	if count <= 0 {
		t.Error("expected transport error counter incremented")
	}
}

func TestRecordOperationConcurrent(t *testing.T) {
	const goroutines = 10
	const iterations = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				RecordOperation("svc", "concurrent", 0.001)
			}
		}()
	}
	wg.Wait()

	got := testutil.ToFloat64(operationsTotal.WithLabelValues("svc", "concurrent"))
	if got != float64(goroutines*iterations) {
		t.Errorf("count = %v, want %d", got, goroutines*iterations)
	}
}
