// Package errors provides centralized error handling with categories and context
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrorCategory represents the type of error for better categorization
type ErrorCategory string

const (
	CategoryValidation   ErrorCategory = "validation"
	CategoryPolicy       ErrorCategory = "policy"
	CategoryDatabase     ErrorCategory = "database"
	CategoryNetwork      ErrorCategory = "network"
	CategoryHTTP         ErrorCategory = "http-request"
	CategoryMQTTPublish  ErrorCategory = "mqtt-publish"
	CategoryMQTTConn     ErrorCategory = "mqtt-connection"
	CategoryForwarding   ErrorCategory = "federation-forward"
	CategoryNotification ErrorCategory = "notification"
	CategoryJobQueue     ErrorCategory = "job-queue"
	CategoryRealtime     ErrorCategory = "realtime"
	CategoryRetention    ErrorCategory = "retention"
	CategoryConfig       ErrorCategory = "configuration"
	CategoryGeneric      ErrorCategory = "generic"
	CategoryNotFound     ErrorCategory = "not-found"
	CategoryTimeout      ErrorCategory = "timeout"
)

// Sentinel errors for the ingestion error taxonomy. Callers distinguish
// terminal from transient failures with errors.Is against these.
var (
	// ErrUnauthorized is returned for an unknown or disabled recorder credential.
	ErrUnauthorized = stderrors.New("unauthorized recorder credential")
	// ErrPolicyDenied is returned when the recorder's talkgroup policy rejects a transmission.
	ErrPolicyDenied = stderrors.New("talkgroup denied by recorder policy")
	// ErrMalformedPayload is returned when the transmission payload cannot be normalized.
	ErrMalformedPayload = stderrors.New("malformed transmission payload")
	// ErrStorage marks transient persistence failures, retried by the ingestion caller.
	ErrStorage = stderrors.New("transmission storage failure")
)

// ComponentUnknown is used when the component cannot be determined.
const ComponentUnknown = "unknown"

// EnhancedError wraps an error with additional context and metadata
type EnhancedError struct {
	Err       error          // Original error
	component string         // Component where error occurred (lazily detected)
	Category  ErrorCategory  // Error category for better grouping
	Context   map[string]any // Additional context data
	Timestamp time.Time      // When the error occurred
	mu        sync.RWMutex
	detected  bool // Whether component has been auto-detected
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is implements error type checking
func (ee *EnhancedError) Is(target error) bool {
	if ee2, ok := target.(*EnhancedError); ok {
		return ee.Category == ee2.Category
	}
	return Is(ee.Err, target)
}

// GetComponent returns the component name, detecting it lazily if needed
func (ee *EnhancedError) GetComponent() string {
	ee.mu.RLock()
	if ee.detected || ee.component != "" {
		component := ee.component
		ee.mu.RUnlock()
		return component
	}
	ee.mu.RUnlock()

	ee.mu.Lock()
	defer ee.mu.Unlock()

	if ee.component == "" && !ee.detected {
		ee.component = detectComponent()
		ee.detected = true
		if ee.component == "" {
			ee.component = ComponentUnknown
		}
	}

	return ee.component
}

// GetCategory returns the error category
func (ee *EnhancedError) GetCategory() string {
	return string(ee.Category)
}

// GetContext returns a copy of the error context
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()

	if ee.Context == nil {
		return nil
	}

	contextCopy := make(map[string]any, len(ee.Context))
	maps.Copy(contextCopy, ee.Context)
	return contextCopy
}

// GetTimestamp returns when the error occurred
func (ee *EnhancedError) GetTimestamp() time.Time {
	return ee.Timestamp
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New creates a new error builder wrapping err
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf creates a new formatted error with enhanced context
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name (auto-detected if not set)
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category for better grouping
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds context data to the error
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// NetworkContext adds network-specific context
func (eb *ErrorBuilder) NetworkContext(url string, timeout time.Duration) *ErrorBuilder {
	if url != "" {
		eb.Context("url", url)
	}
	if timeout > 0 {
		eb.Context("timeout_seconds", timeout.Seconds())
	}
	return eb
}

// Timing adds performance timing context
func (eb *ErrorBuilder) Timing(operation string, duration time.Duration) *ErrorBuilder {
	eb.Context("operation", operation)
	eb.Context("duration_ms", duration.Milliseconds())
	return eb
}

// Build creates the EnhancedError
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		component: eb.component,
		Category:  eb.category,
		Context:   eb.context,
		Timestamp: time.Now(),
		detected:  eb.component != "",
	}
	if ee.Category == "" {
		ee.Category = CategoryGeneric
	}
	return ee
}

// Component registry for dynamic component detection
var (
	componentRegistry = make(map[string]string)
	registryMutex     sync.RWMutex
)

// RegisterComponent registers a package path pattern with a component name
func RegisterComponent(packagePattern, componentName string) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	componentRegistry[packagePattern] = componentName
}

func init() {
	RegisterComponent("datastore", "datastore")
	RegisterComponent("acl", "acl")
	RegisterComponent("ingest", "ingest")
	RegisterComponent("dispatch", "dispatch")
	RegisterComponent("jobqueue", "jobqueue")
	RegisterComponent("mqtt", "mqtt")
	RegisterComponent("broker", "broker")
	RegisterComponent("forward", "forward")
	RegisterComponent("alert", "alert")
	RegisterComponent("realtime", "realtime")
	RegisterComponent("prune", "prune")
	RegisterComponent("api", "api")
	RegisterComponent("conf", "configuration")
}

// detectComponent walks up the call stack looking for a registered package
func detectComponent() string {
	for depth := 2; depth < 10; depth++ {
		pc, _, _, ok := runtime.Caller(depth)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		funcName := fn.Name()
		if strings.Contains(funcName, "trunkfeed/internal/errors") {
			continue
		}

		registryMutex.RLock()
		for pattern, component := range componentRegistry {
			if strings.Contains(funcName, "internal/"+pattern) {
				registryMutex.RUnlock()
				return component
			}
		}
		registryMutex.RUnlock()
	}
	return ""
}

// Standard library compatibility re-exports so callers only import this package.

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Join returns an error that wraps the given errors
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}
