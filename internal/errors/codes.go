package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Payment errors (x402 handshake and settlement)
const (
	// The X-PAYMENT header could not be decoded or fails structural checks
	ErrCodePaymentDecode ErrorCode = "payment_decode_error"

	// Authorization validity window is in the past or too close to now to settle
	ErrCodePaymentExpired ErrorCode = "payment_expired"

	// Authorized value is below the quoted maxAmountRequired
	ErrCodePaymentAmountInsufficient ErrorCode = "payment_amount_insufficient"

	// Typed-data signature did not verify for the claimed payer
	ErrCodePaymentSignatureInvalid ErrorCode = "payment_signature_invalid"

	// Authorization names a recipient other than the configured payTo
	ErrCodePaymentWrongRecipient ErrorCode = "payment_wrong_recipient"

	// Every configured facilitator declined or errored during settlement
	ErrCodeFacilitatorAllFailed ErrorCode = "facilitator_all_failed"

	// The requested payment network is not enabled
	ErrCodeNetworkDisabled ErrorCode = "network_disabled"

	// Authorization nonce was already settled for this payer
	ErrCodePaymentReplayed ErrorCode = "payment_replayed"

	// No X-PAYMENT header on a priced upload; response carries a fresh quote
	ErrCodePaymentRequired ErrorCode = "payment_required"
)

// Item validation errors
const (
	ErrCodeInvalidItem          ErrorCode = "invalid_item"
	ErrCodeInvalidHeader        ErrorCode = "invalid_header"
	ErrCodeUnknownSignatureType ErrorCode = "unknown_signature_type"
	ErrCodeItemTooLarge         ErrorCode = "item_too_large"
	ErrCodeMissingContentLength ErrorCode = "missing_content_length"
	ErrCodeMissingField         ErrorCode = "missing_field"
	ErrCodeInvalidField         ErrorCode = "invalid_field"
)

// Policy rejections
const (
	ErrCodeOwnerBlocklisted ErrorCode = "owner_blocklisted"
	ErrCodeSpamPattern      ErrorCode = "spam_pattern"
)

// Duplicate admission. Reported with a 202 so retrying clients treat the
// original admission as authoritative.
const (
	ErrCodeDuplicateItem ErrorCode = "duplicate_item"
)

// Resource lookups
const (
	ErrCodeItemNotFound    ErrorCode = "item_not_found"
	ErrCodeOffsetsNotFound ErrorCode = "offsets_not_found"
)

// Dependency outages
const (
	ErrCodeStorageUnavailable ErrorCode = "storage_unavailable"
	ErrCodeSignerUnavailable  ErrorCode = "signer_unavailable"
	ErrCodeChainUnavailable   ErrorCode = "chain_unavailable"
	ErrCodePricingUnavailable ErrorCode = "pricing_unavailable"
)

// External service errors (chain gateway, facilitators, RPC)
const (
	ErrCodeGatewayError ErrorCode = "gateway_error"
	ErrCodeRPCError     ErrorCode = "rpc_error"
	ErrCodeNetworkError ErrorCode = "network_error"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are typically transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	// Outages and transient external failures are retryable
	case ErrCodeStorageUnavailable,
		ErrCodeSignerUnavailable,
		ErrCodeChainUnavailable,
		ErrCodePricingUnavailable,
		ErrCodeGatewayError,
		ErrCodeRPCError,
		ErrCodeNetworkError,
		ErrCodeFacilitatorAllFailed:
		return true

	// Validation, policy, and payment-content failures are NOT retryable
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - Client validation errors
	case ErrCodeInvalidItem,
		ErrCodeInvalidHeader,
		ErrCodeUnknownSignatureType,
		ErrCodeItemTooLarge,
		ErrCodeMissingContentLength,
		ErrCodeMissingField,
		ErrCodeInvalidField:
		return 400

	// 402 Payment Required - payment handshake failures
	case ErrCodePaymentDecode,
		ErrCodePaymentExpired,
		ErrCodePaymentAmountInsufficient,
		ErrCodePaymentSignatureInvalid,
		ErrCodePaymentWrongRecipient,
		ErrCodeFacilitatorAllFailed,
		ErrCodeNetworkDisabled,
		ErrCodePaymentReplayed,
		ErrCodePaymentRequired:
		return 402

	// 403 Forbidden - policy rejections
	case ErrCodeOwnerBlocklisted,
		ErrCodeSpamPattern:
		return 403

	// 404 Not Found
	case ErrCodeItemNotFound,
		ErrCodeOffsetsNotFound:
		return 404

	// 202 Accepted - the item was already received
	case ErrCodeDuplicateItem:
		return 202

	// 502 Bad Gateway - upstream service errors
	case ErrCodeGatewayError,
		ErrCodeRPCError,
		ErrCodeNetworkError:
		return 502

	// 503 Service Unavailable - no durable sink, wallet, chain, or FX
	case ErrCodeStorageUnavailable,
		ErrCodeSignerUnavailable,
		ErrCodeChainUnavailable,
		ErrCodePricingUnavailable:
		return 503

	// 500 Internal Server Error - system/internal errors
	default:
		return 500
	}
}
