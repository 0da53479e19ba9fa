package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// PaymentPayload follows the x402 specification for the X-PAYMENT header.
// Reference: https://github.com/coinbase/x402
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEVMPayload `json:"payload"`
}

// ExactEVMPayload is the scheme-specific payload for the EVM exact scheme:
// an EIP-3009 TransferWithAuthorization signed as EIP-712 typed data.
type ExactEVMPayload struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization mirrors the TransferWithAuthorization struct. Numeric
// fields travel as strings; FlexString also tolerates bare JSON numbers
// from older clients.
type EVMAuthorization struct {
	From        string     `json:"from"`
	To          string     `json:"to"`
	Value       FlexString `json:"value"`
	ValidAfter  FlexString `json:"validAfter"`
	ValidBefore FlexString `json:"validBefore"`
	Nonce       string     `json:"nonce"`
}

// ValueBig parses the transfer amount in atomic token units.
func (a EVMAuthorization) ValueBig() (*big.Int, error) {
	v, ok := new(big.Int).SetString(string(a.Value), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("x402: bad authorization value %q", a.Value)
	}
	return v, nil
}

// ValidAfterTime parses the unix-seconds lower validity bound.
func (a EVMAuthorization) ValidAfterTime() (time.Time, error) {
	return parseUnix(string(a.ValidAfter), "validAfter")
}

// ValidBeforeTime parses the unix-seconds upper validity bound.
func (a EVMAuthorization) ValidBeforeTime() (time.Time, error) {
	return parseUnix(string(a.ValidBefore), "validBefore")
}

func parseUnix(s, field string) (time.Time, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || !v.IsInt64() {
		return time.Time{}, fmt.Errorf("x402: bad %s %q", field, s)
	}
	return time.Unix(v.Int64(), 0), nil
}

// FlexString is a JSON string that also accepts a bare number on decode.
// It always re-encodes as a string, which the facilitators require.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(f))
}

// PaymentRequirements is one `accepts` entry of a 402 response and the
// requirements document facilitators verify and settle against.
type PaymentRequirements struct {
	Scheme            string          `json:"scheme"`
	Network           string          `json:"network"`
	MaxAmountRequired string          `json:"maxAmountRequired"`
	Resource          string          `json:"resource"`
	Description       string          `json:"description,omitempty"`
	MimeType          string          `json:"mimeType,omitempty"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds"`
	Asset             string          `json:"asset"`
	Extra             *DomainExtra    `json:"extra,omitempty"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
}

// DomainExtra carries the EIP-712 domain fields of the token contract.
type DomainExtra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RequiredResponse is the JSON body of a 402 response.
type RequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       string                `json:"error,omitempty"`
}

// SettlementResponse is the decoded X-Payment-Response header returned on
// successful paid uploads.
type SettlementResponse struct {
	PaymentID string `json:"paymentId"`
	TxHash    string `json:"txHash"`
	Network   string `json:"network"`
	Mode      string `json:"mode"`
}

// EncodeSettlementHeader serializes a SettlementResponse for the
// X-Payment-Response header.
func EncodeSettlementHeader(s SettlementResponse) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("x402: marshal settlement response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ParsePaymentPayload decodes the X-PAYMENT header into a PaymentPayload.
// Accepts standard or raw base64, or bare JSON for testing.
func ParsePaymentPayload(header string) (PaymentPayload, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return PaymentPayload{}, errors.New("x402: empty payment header")
	}

	var data []byte
	if strings.HasPrefix(raw, "{") {
		data = []byte(raw)
	} else {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(raw)
			if err != nil {
				return PaymentPayload{}, fmt.Errorf("x402: decode base64: %w", err)
			}
		}
		data = decoded
	}

	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return PaymentPayload{}, fmt.Errorf("x402: parse payment payload: %w", err)
	}

	if payload.X402Version != ProtocolVersion {
		return payload, fmt.Errorf("x402: unsupported version %d", payload.X402Version)
	}
	if payload.Scheme != SchemeExact {
		return payload, fmt.Errorf("x402: unsupported scheme %q (supported: %s)", payload.Scheme, SchemeExact)
	}
	if payload.Network == "" {
		return payload, errors.New("x402: payment payload missing network")
	}
	if payload.Payload.Signature == "" {
		return payload, errors.New("x402: payment payload missing signature")
	}
	auth := payload.Payload.Authorization
	if auth.From == "" || auth.To == "" || auth.Value == "" || auth.Nonce == "" {
		return payload, errors.New("x402: payment authorization incomplete")
	}
	return payload, nil
}
