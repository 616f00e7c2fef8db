// Package security provides validation, sanitization, and limits for ingest requests.
package security

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/itslive/stac-ingest/pkg/core"
)

// Security limits and configuration
const (
	// MaxBucketNameLength is the GCS limit for dotted bucket names
	MaxBucketNameLength = 222

	// MaxPrefixLength is the maximum length for object key prefixes
	MaxPrefixLength = 1024

	// MaxURLLength is the maximum length for source URLs
	MaxURLLength = 2048

	// MaxCollectionIDLength is the maximum length for collection identifiers
	MaxCollectionIDLength = 255

	// MaxConcurrency is the hard limit for concurrently processed files
	MaxConcurrency = 1000

	// MaxBatchSize is the hard limit for items per gateway call
	MaxBatchSize = 10000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxDecodeErrorSamples is the number of decode failure reasons kept per file
	MaxDecodeErrorSamples = 10

	// MinYear and MaxYear bound the year filter
	MinYear = 1900
	MaxYear = 9999
)

var (
	// letters, digits, dots, hyphens and underscores; starts and ends alphanumeric
	validBucketName = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.\-_]*[a-zA-Z0-9])?$`)

	// letters, digits, hyphens, underscores and dots
	validCollectionID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-\.]*$`)
)

// ValidateBucketName checks that a bucket name is non-empty and made of
// characters that are safe in a storage URL. Provider naming rules are left to
// the provider: a bucket that does not exist fails at enumeration.
func ValidateBucketName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: bucket is required", core.ErrInvalidRequest)
	}
	if len(name) > MaxBucketNameLength || !validBucketName.MatchString(name) {
		return fmt.Errorf("%w: invalid bucket name %q", core.ErrInvalidRequest, name)
	}
	return nil
}

// ValidatePrefix validates an object key prefix. Empty is allowed.
func ValidatePrefix(prefix string) error {
	if len(prefix) > MaxPrefixLength {
		return fmt.Errorf("%w: prefix too long", core.ErrInvalidRequest)
	}
	if !utf8.ValidString(prefix) || strings.ContainsRune(prefix, 0) {
		return fmt.Errorf("%w: prefix is not valid UTF-8", core.ErrInvalidRequest)
	}
	return nil
}

// ValidateURL validates a single-file source URL. Only http and https are accepted.
func ValidateURL(raw string) error {
	if len(raw) > MaxURLLength {
		return fmt.Errorf("%w: url too long", core.ErrInvalidRequest)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url scheme %q", core.ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", core.ErrInvalidRequest)
	}
	return nil
}

// ValidateCollectionID validates a collection identifier. Empty is allowed.
func ValidateCollectionID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > MaxCollectionIDLength || !validCollectionID.MatchString(id) {
		return fmt.Errorf("%w: invalid collection id %q", core.ErrInvalidRequest, id)
	}
	return nil
}

// ValidateYear validates the optional year filter. Zero means no filter.
func ValidateYear(year int) error {
	if year == 0 {
		return nil
	}
	if year < MinYear || year > MaxYear {
		return fmt.Errorf("%w: year %d out of range", core.ErrInvalidRequest, year)
	}
	return nil
}

// ValidateRequest checks the shape of an ingest request and normalizes its
// scheme and method in place.
func ValidateRequest(req *core.Request) error {
	if req.URL != "" && req.Bucket != "" {
		return fmt.Errorf("%w: url and bucket are mutually exclusive", core.ErrInvalidRequest)
	}

	method, err := core.ParseMethod(string(req.Method))
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidRequest, err)
	}
	req.Method = method

	if err := ValidateCollectionID(req.CollectionID); err != nil {
		return err
	}

	if req.IsURL() {
		if err := ValidateURL(req.URL); err != nil {
			return err
		}
		u, _ := url.Parse(req.URL)
		req.Scheme = u.Scheme
		return nil
	}

	switch req.Scheme {
	case "":
		req.Scheme = "s3"
	case "s3", "gs":
	default:
		return fmt.Errorf("%w: %q", core.ErrUnsupportedScheme, req.Scheme)
	}
	if err := ValidateBucketName(req.Bucket); err != nil {
		return err
	}
	if err := ValidatePrefix(req.Prefix); err != nil {
		return err
	}
	return ValidateYear(req.Year)
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampBatchSize ensures the batch size is within limits
func ClampBatchSize(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxBatchSize {
		return MaxBatchSize
	}
	return n
}
