package build

import (
	"sync"
	"time"
)

// CompileMetrics tracks compile and render activity
type CompileMetrics struct {
	TotalCompiles      int64
	SuccessfulCompiles int64
	FailedCompiles     int64
	Renders            int64
	MalformedRenders   int64
	AverageDuration    time.Duration
	TotalDuration      time.Duration
	mutex              sync.RWMutex
}

// NewCompileMetrics creates a new metrics tracker
func NewCompileMetrics() *CompileMetrics {
	return &CompileMetrics{}
}

// RecordCompile records the outcome of compiling one view
func (cm *CompileMetrics) RecordCompile(duration time.Duration, err error) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.TotalCompiles++
	cm.TotalDuration += duration

	if err != nil {
		cm.FailedCompiles++
	} else {
		cm.SuccessfulCompiles++
	}

	cm.AverageDuration = cm.TotalDuration / time.Duration(cm.TotalCompiles)
}

// RecordRender records one render; malformed marks a failed well-formedness check
func (cm *CompileMetrics) RecordRender(malformed bool) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.Renders++
	if malformed {
		cm.MalformedRenders++
	}
}

// GetSnapshot returns a copy of the current metrics
func (cm *CompileMetrics) GetSnapshot() CompileMetrics {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	return CompileMetrics{
		TotalCompiles:      cm.TotalCompiles,
		SuccessfulCompiles: cm.SuccessfulCompiles,
		FailedCompiles:     cm.FailedCompiles,
		Renders:            cm.Renders,
		MalformedRenders:   cm.MalformedRenders,
		AverageDuration:    cm.AverageDuration,
		TotalDuration:      cm.TotalDuration,
	}
}

// Reset resets all metrics
func (cm *CompileMetrics) Reset() {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.TotalCompiles = 0
	cm.SuccessfulCompiles = 0
	cm.FailedCompiles = 0
	cm.Renders = 0
	cm.MalformedRenders = 0
	cm.AverageDuration = 0
	cm.TotalDuration = 0
}

// GetSuccessRate returns the compile success rate as a percentage
func (cm *CompileMetrics) GetSuccessRate() float64 {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	if cm.TotalCompiles == 0 {
		return 0.0
	}

	return float64(cm.SuccessfulCompiles) / float64(cm.TotalCompiles) * 100.0
}
