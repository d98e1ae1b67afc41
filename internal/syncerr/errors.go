// Package syncerr defines the error taxonomy shared across the sync engine.
package syncerr

import "fmt"

// SignatureError indicates a webhook signature failed verification or fell
// outside the configured tolerance window.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string { return fmt.Sprintf("signature verification failed: %s", e.Reason) }

// SourceApiError wraps a failure returned by the source provider's API.
type SourceApiError struct {
	Op  string
	Err error
}

func (e *SourceApiError) Error() string { return fmt.Sprintf("source api: %s: %v", e.Op, e.Err) }
func (e *SourceApiError) Unwrap() error { return e.Err }

// DbError wraps any destination-database failure.
type DbError struct {
	Op  string
	Err error
}

func (e *DbError) Error() string { return fmt.Sprintf("db: %s: %v", e.Op, e.Err) }
func (e *DbError) Unwrap() error { return e.Err }

// DuplicateEndpoint is raised when a unique-constraint violation fires on
// the managed webhook (account_id, base_url) index.
type DuplicateEndpoint struct {
	AccountID string
	URL       string
}

func (e *DuplicateEndpoint) Error() string {
	return fmt.Sprintf("managed endpoint already exists for account %s at %s", e.AccountID, e.URL)
}

// StaleRunError is recorded against a sync run cancelled by stale-run
// detection.
type StaleRunError struct {
	AccountID string
	Reason    string
}

func (e *StaleRunError) Error() string { return fmt.Sprintf("stale %s", e.Reason) }

// MigrationError wraps a schema-migration failure.
type MigrationError struct {
	Err error
}

func (e *MigrationError) Error() string { return fmt.Sprintf("migration failed: %v", e.Err) }
func (e *MigrationError) Unwrap() error { return e.Err }

// ConfigError indicates a required credential or setting was not supplied.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: missing required field %s", e.Field) }
