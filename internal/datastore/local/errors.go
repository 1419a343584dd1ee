package local

import "codeberg.org/mutker/sensusd/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("local_invalid_db_path")

	// Lifecycle Errors
	ErrNotRunning     = errors.ErrNotRunning
	ErrAlreadyRunning = errors.ErrAlreadyRunning
	ErrMissingContext = errors.ErrorCode("local_missing_protocol_context")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("local_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("local_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("local_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("local_transaction_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("local_storage_access_failed")
	ErrStorageInit   = errors.ErrLocalStart
	ErrStorageClose  = errors.ErrLocalStop

	// Record Errors
	ErrInvalidDatum = errors.ErrorCode("local_invalid_datum")
	ErrEncodeDatum  = errors.ErrorCode("local_encode_datum_failed")
	ErrDecodeDatum  = errors.ErrorCode("local_decode_datum_failed")
)
