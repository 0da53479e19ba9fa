package x402

import "time"

// Protocol constants for the x402 payment handshake.
// Reference: https://github.com/coinbase/x402
const (
	// ProtocolVersion is the only x402 version this service speaks.
	ProtocolVersion = 1

	// SchemeExact is the EVM exact-amount transfer-authorization scheme.
	SchemeExact = "exact"

	// ModePayg marks pay-as-you-go settlements in payment records and
	// response headers.
	ModePayg = "payg"
)

// HTTP header names used by the handshake.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-Payment-Response"
	HeaderPaymentRequired = "X-Payment-Required"

	// PaymentRequiredValue advertises the protocol revision on 402
	// responses.
	PaymentRequiredValue = "x402-1"
)

// Timeouts for the settlement flow.
const (
	// MaxTimeoutSeconds is advertised in quotes: the longest a client
	// authorization should remain valid.
	MaxTimeoutSeconds = 3600

	// FacilitatorVerifyTimeout bounds a single facilitator /verify call.
	FacilitatorVerifyTimeout = 10 * time.Second

	// FacilitatorSettleTimeout bounds a single facilitator /settle call.
	FacilitatorSettleTimeout = 60 * time.Second

	// SettlementTimeoutFloor is the minimum remaining validity an
	// authorization must carry so settlement can land before expiry.
	SettlementTimeoutFloor = 5 * time.Minute
)
