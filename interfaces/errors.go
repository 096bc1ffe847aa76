package interfaces

import "errors"

// Error taxonomy for the execution protocol. Every user-visible failure
// wraps exactly one of these sentinels; raw internal errors never cross
// the API boundary.
var (
	// ErrInvalidInput is returned when a caller-supplied field fails
	// validation (empty refs, malformed digest, negative price).
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a referenced asset id is unknown to
	// the ledger.
	ErrNotFound = errors.New("asset not found")

	// ErrTypeMismatch is returned when a purchase names a dataset id that
	// is not a dataset or an application id that is not an application.
	ErrTypeMismatch = errors.New("asset kind mismatch")

	// ErrInactive is returned when a purchase references a revoked or
	// deactivated asset.
	ErrInactive = errors.New("asset inactive")

	// ErrAlreadyRevoked is returned when revoking an asset that is
	// already revoked. Revocation is one-way and not idempotent, so a
	// second revoke surfaces the caller mistake instead of passing.
	ErrAlreadyRevoked = errors.New("asset already revoked")

	// ErrInsufficientPayment is returned when the attached payment does
	// not cover the combined asset prices.
	ErrInsufficientPayment = errors.New("insufficient payment")

	// ErrInsufficientBalance is returned when the buyer's escrow balance
	// cannot cover the attached payment.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrUnauthorized is returned when a caller attempts a management
	// operation on an asset it does not own.
	ErrUnauthorized = errors.New("caller is not the asset owner")

	// ErrAccessDenied is returned when a requester holds no access grant
	// for the (dataset, application) pair and no whitelist entry applies.
	ErrAccessDenied = errors.New("access denied")

	// ErrAssetUnavailable is returned when the asset store cannot return
	// bytes matching a cipherRef.
	ErrAssetUnavailable = errors.New("asset unavailable in store")

	// ErrIntegrityFailure is returned when an authenticated decryption
	// fails inside an attested stage. Never retried: tampered bytes stay
	// tampered.
	ErrIntegrityFailure = errors.New("ciphertext integrity failure")

	// ErrContentTampered is returned when a decrypted plaintext's digest
	// does not match the digest recorded on the ledger at registration.
	ErrContentTampered = errors.New("content digest mismatch")

	// ErrKeyReleaseDenied is returned when the key custodian refuses to
	// release a key, due to attestation or policy mismatch.
	ErrKeyReleaseDenied = errors.New("key release denied")

	// ErrKeyNotFound is returned when the custodian holds no key under
	// the requested identifier, including expired session keys.
	ErrKeyNotFound = errors.New("key not found")

	// ErrExecutionTimeout is returned when a stage invocation exceeds its
	// wall-clock budget. Partial results are never assumed safe.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrApplicationFailed is returned when the sandboxed application
	// itself fails. The structured error carries no plaintext detail.
	ErrApplicationFailed = errors.New("application execution failed")
)

// Storage backend errors, shared by all asset store implementations.
var (
	// ErrContentNotFound is returned when requested content cannot be
	// found in the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not
	// accessible, whether due to network issues, authentication failures,
	// or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is
	// malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)
