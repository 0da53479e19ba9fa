package x402

import (
	"fmt"

	"github.com/bundlepay/server/internal/errors"
)

// VerificationError classifies failures encountered while validating or
// settling a payment authorization.
type VerificationError struct {
	Code    errors.ErrorCode // Machine-readable error code
	Message string           // User-friendly message
	Err     error            // Technical error for logging
}

func (e VerificationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e VerificationError) Unwrap() error {
	return e.Err
}

// NewVerificationError creates a verification error with a user-friendly
// message derived from the code.
func NewVerificationError(code errors.ErrorCode, err error) VerificationError {
	return VerificationError{
		Code:    code,
		Message: GetUserFriendlyMessage(code),
		Err:     err,
	}
}

// GetUserFriendlyMessage converts error codes to messages safe to surface
// to uploading clients.
func GetUserFriendlyMessage(code errors.ErrorCode) string {
	switch code {
	case errors.ErrCodePaymentRequired:
		return "Payment required. Sign one of the accepted authorizations and retry with an X-PAYMENT header."
	case errors.ErrCodePaymentDecode:
		return "Payment header could not be decoded. Request a fresh quote and re-sign the authorization."
	case errors.ErrCodePaymentExpired:
		return "Payment authorization expired or expires too soon to settle. Request a fresh quote and re-sign."
	case errors.ErrCodePaymentAmountInsufficient:
		return "Authorized amount is less than the quoted price. Request a fresh quote and authorize the full amount."
	case errors.ErrCodePaymentSignatureInvalid:
		return "Payment authorization signature did not verify. Check the signing account and try again."
	case errors.ErrCodePaymentWrongRecipient:
		return "Payment authorization names the wrong recipient. Use the payTo address from the quote."
	case errors.ErrCodeFacilitatorAllFailed:
		return "Payment could not be settled right now. No settlement was taken; please retry."
	case errors.ErrCodeNetworkDisabled:
		return "The requested payment network is not enabled on this service."
	case errors.ErrCodePaymentReplayed:
		return "This payment authorization was already used. Sign a new authorization with a fresh nonce."
	default:
		return fmt.Sprintf("Payment verification failed: %s", code)
	}
}
