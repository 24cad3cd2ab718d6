package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ViewError records one view that failed during a bulk compile.
type ViewError struct {
	Key       string
	Err       error
	Timestamp time.Time
}

// Error implements the error interface
func (ve *ViewError) Error() string {
	return fmt.Sprintf("%s: %v", ve.Key, ve.Err)
}

// Unwrap returns the wrapped failure
func (ve *ViewError) Unwrap() error {
	return ve.Err
}

// ErrorCollector collects per-view failures so a bulk operation can continue
// past individual views.
type ErrorCollector struct {
	viewErrors []ViewError
	mutex      sync.RWMutex
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		viewErrors: make([]ViewError, 0),
	}
}

// Add records a failure for key. Nil errors are ignored.
func (ec *ErrorCollector) Add(key string, err error) {
	if err == nil {
		return
	}
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.viewErrors = append(ec.viewErrors, ViewError{Key: key, Err: err, Timestamp: time.Now()})
}

// GetErrors returns a copy of the collected failures ordered by key.
func (ec *ErrorCollector) GetErrors() []ViewError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	result := make([]ViewError, len(ec.viewErrors))
	copy(result, ec.viewErrors)
	sort.SliceStable(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// GetErrorsByKey returns errors for a specific view
func (ec *ErrorCollector) GetErrorsByKey(key string) []ViewError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	var keyErrors []ViewError
	for _, err := range ec.viewErrors {
		if err.Key == key {
			keyErrors = append(keyErrors, err)
		}
	}
	return keyErrors
}

// HasErrors returns true if there are any errors
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.viewErrors) > 0
}

// Clear clears all errors
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.viewErrors = ec.viewErrors[:0]
}

// Err joins the collected failures into a single error, or nil when empty.
// The result still matches the individual failures through errors.Is.
func (ec *ErrorCollector) Err() error {
	viewErrors := ec.GetErrors()
	if len(viewErrors) == 0 {
		return nil
	}
	errs := make([]error, len(viewErrors))
	for i := range viewErrors {
		errs[i] = &viewErrors[i]
	}
	return errors.Join(errs...)
}

// Summary renders a short human-readable list of failing keys.
func (ec *ErrorCollector) Summary() string {
	viewErrors := ec.GetErrors()
	if len(viewErrors) == 0 {
		return ""
	}
	keys := make([]string, len(viewErrors))
	for i, ve := range viewErrors {
		keys[i] = ve.Key
	}
	return fmt.Sprintf("%d view(s) failed: %s", len(keys), strings.Join(keys, ", "))
}
