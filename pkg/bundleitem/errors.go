package bundleitem

import "errors"

// Decode and verification failures. Callers match with errors.Is; wrapped
// variants carry positional detail.
var (
	// ErrInvalidHeader indicates malformed header bytes: truncated fields,
	// bad presence flags, or tag data that does not parse.
	ErrInvalidHeader = errors.New("bundleitem: invalid header")

	// ErrUnknownSignatureType indicates a signature-type code with no
	// registry entry.
	ErrUnknownSignatureType = errors.New("bundleitem: unknown signature type")

	// ErrPayloadTooLarge indicates the payload exceeds the caller's limit.
	ErrPayloadTooLarge = errors.New("bundleitem: payload too large")

	// ErrSignatureInvalid indicates the item signature does not verify
	// against the owner public key.
	ErrSignatureInvalid = errors.New("bundleitem: signature invalid")
)
