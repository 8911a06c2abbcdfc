package providers

import "errors"

// Provider errors
var (
	// Configuration errors
	ErrInvalidProvider  = errors.New("invalid or unsupported storage provider")
	ErrMissingEndpoint  = errors.New("storage endpoint is required")
	ErrMissingBucket    = errors.New("storage bucket name is required")
	ErrMissingAccessKey = errors.New("storage access key is required")
	ErrMissingSecretKey = errors.New("storage secret key is required")
	ErrMissingRegion    = errors.New("storage region is required for AWS provider")
	ErrMissingDataDir   = errors.New("data directory is required for local provider")

	// Object errors
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object already exists")
	ErrEmptyObject    = errors.New("object is empty")

	// Connection errors
	ErrConnectionFailed     = errors.New("failed to connect to storage provider")
	ErrAuthenticationFailed = errors.New("storage authentication failed")
	ErrPermissionDenied     = errors.New("insufficient permissions for storage operation")
	ErrBucketNotFound       = errors.New("storage bucket not found")

	// Provider-specific errors
	ErrProviderNotSupported = errors.New("storage provider not supported")
	ErrFeatureNotSupported  = errors.New("feature not supported by this provider")

	// Network/timeout errors
	ErrTimeout        = errors.New("operation timed out")
	ErrNetworkError   = errors.New("network error during storage operation")
	ErrRetryExhausted = errors.New("maximum retry attempts exceeded")
)

// StorageError wraps provider-specific errors with additional context
type StorageError struct {
	Provider   string
	Operation  string
	Key        string
	StatusCode int
	Err        error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return "storage " + e.Provider + " " + e.Operation + " failed for key '" + e.Key + "': " + e.Err.Error()
	}
	return "storage " + e.Provider + " " + e.Operation + " failed: " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with context
func NewStorageError(provider, operation, key string, statusCode int, err error) *StorageError {
	return &StorageError{
		Provider:   provider,
		Operation:  operation,
		Key:        key,
		StatusCode: statusCode,
		Err:        err,
	}
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// IsRetryableError checks if an error should trigger a retry
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Network and timeout errors are retryable
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetworkError) {
		return true
	}

	// Check for StorageError with retryable status codes
	var sErr *StorageError
	if errors.As(err, &sErr) {
		// HTTP 5xx errors are generally retryable
		if sErr.StatusCode >= 500 && sErr.StatusCode < 600 {
			return true
		}
		// HTTP 429 (Too Many Requests) is retryable
		if sErr.StatusCode == 429 {
			return true
		}
		// HTTP 408 (Request Timeout) is retryable
		if sErr.StatusCode == 408 {
			return true
		}
	}

	return false
}

// IsPermanentError checks if an error is permanent and should not be retried
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	permErrors := []error{
		ErrInvalidProvider,
		ErrMissingEndpoint,
		ErrMissingBucket,
		ErrMissingAccessKey,
		ErrMissingSecretKey,
		ErrMissingDataDir,
		ErrAuthenticationFailed,
		ErrPermissionDenied,
		ErrObjectNotFound,
		ErrObjectExists,
		ErrProviderNotSupported,
		ErrFeatureNotSupported,
	}

	for _, permErr := range permErrors {
		if errors.Is(err, permErr) {
			return true
		}
	}

	// Check for StorageError with permanent status codes
	var sErr *StorageError
	if errors.As(err, &sErr) {
		// HTTP 4xx errors (except 408, 429) are generally permanent
		if sErr.StatusCode >= 400 && sErr.StatusCode < 500 {
			if sErr.StatusCode != 408 && sErr.StatusCode != 429 {
				return true
			}
		}
	}

	return false
}
