package payment

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bundlepay/server/internal/config"
	"github.com/bundlepay/server/pkg/x402"
)

// Pre-computed EIP-712 type hashes for the EIP-3009 transfer authorization.
var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	transferTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))
)

// isValidSignatureSelector is the 4-byte selector of the ERC-1271
// isValidSignature(bytes32,bytes) entry point.
var isValidSignatureSelector = crypto.Keccak256([]byte("isValidSignature(bytes32,bytes)"))[:4]

// erc1271Magic is the return value a contract wallet yields for a valid
// signature: the selector itself, per the standard.
var erc1271Magic = isValidSignatureSelector

// authDigest computes the EIP-712 digest a wallet signs for an EIP-3009
// transfer authorization against the token contract's typed-data domain.
func authDigest(network config.NetworkConfig, auth x402.EVMAuthorization) (common.Hash, error) {
	value, err := auth.ValueBig()
	if err != nil {
		return common.Hash{}, err
	}
	validAfter, err := decimalBig(string(auth.ValidAfter), "validAfter")
	if err != nil {
		return common.Hash{}, err
	}
	validBefore, err := decimalBig(string(auth.ValidBefore), "validBefore")
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := parseNonce(auth.Nonce)
	if err != nil {
		return common.Hash{}, err
	}

	ds := domainSeparator(
		network.TokenName,
		network.TokenVersion,
		big.NewInt(network.ChainID),
		common.HexToAddress(network.TokenAddress),
	)
	sh := transferStructHash(
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value, validAfter, validBefore, nonce,
	)

	enc := make([]byte, 0, 2+2*32)
	enc = append(enc, 0x19, 0x01)
	enc = append(enc, ds.Bytes()...)
	enc = append(enc, sh.Bytes()...)
	return crypto.Keccak256Hash(enc), nil
}

func domainSeparator(name, version string, chainID *big.Int, token common.Address) common.Hash {
	enc := make([]byte, 0, 5*32)
	enc = append(enc, domainTypeHash.Bytes()...)
	enc = append(enc, crypto.Keccak256([]byte(name))...)
	enc = append(enc, crypto.Keccak256([]byte(version))...)
	enc = append(enc, leftPadBig(chainID)...)
	enc = append(enc, leftPadAddress(token)...)
	return crypto.Keccak256Hash(enc)
}

func transferStructHash(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	enc := make([]byte, 0, 7*32)
	enc = append(enc, transferTypeHash.Bytes()...)
	enc = append(enc, leftPadAddress(from)...)
	enc = append(enc, leftPadAddress(to)...)
	enc = append(enc, leftPadBig(value)...)
	enc = append(enc, leftPadBig(validAfter)...)
	enc = append(enc, leftPadBig(validBefore)...)
	enc = append(enc, nonce[:]...)
	return crypto.Keccak256Hash(enc)
}

// recoverSigner recovers the EOA that produced sig over digest. The v byte
// is normalized to 0/1 on a copy; callers keep the raw bytes for the
// contract-wallet path.
func recoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pubBytes, err := crypto.Ecrecover(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshal recovered pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// contractCaller is the slice of ethclient.Client used for ERC-1271 checks.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// checkContractSignature asks the wallet contract at from whether sig is
// valid for digest via a read-only isValidSignature call.
func checkContractSignature(ctx context.Context, caller contractCaller, from common.Address, digest common.Hash, sig []byte) error {
	out, err := caller.CallContract(ctx, ethereum.CallMsg{
		To:   &from,
		Data: encodeIsValidSignature(digest, sig),
	}, nil)
	if err != nil {
		return fmt.Errorf("isValidSignature call: %w", err)
	}
	if len(out) < 4 || !bytes.Equal(out[:4], erc1271Magic) {
		return fmt.Errorf("contract wallet rejected signature")
	}
	return nil
}

// encodeIsValidSignature ABI-encodes isValidSignature(bytes32 hash, bytes
// signature): the fixed hash slot, the offset of the dynamic bytes argument,
// then its length and content padded to a 32-byte boundary.
func encodeIsValidSignature(digest common.Hash, sig []byte) []byte {
	padded := len(sig)
	if rem := padded % 32; rem != 0 {
		padded += 32 - rem
	}
	data := make([]byte, 0, 4+3*32+padded)
	data = append(data, isValidSignatureSelector...)
	data = append(data, digest.Bytes()...)
	data = append(data, leftPadBig(big.NewInt(64))...)
	data = append(data, leftPadBig(big.NewInt(int64(len(sig))))...)
	buf := make([]byte, padded)
	copy(buf, sig)
	data = append(data, buf...)
	return data
}

func decodeSignatureHex(sig string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signature hex: %w", err)
	}
	if len(raw) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(raw))
	}
	return raw, nil
}

func parseNonce(s string) ([32]byte, error) {
	var nonce [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nonce, fmt.Errorf("decode nonce: %w", err)
	}
	if len(raw) > 32 {
		return nonce, fmt.Errorf("nonce longer than 32 bytes")
	}
	copy(nonce[32-len(raw):], raw)
	return nonce, nil
}

func decimalBig(s, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("bad %s %q", field, s)
	}
	return v, nil
}

func leftPadBig(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func leftPadAddress(a common.Address) []byte {
	padded := make([]byte, 32)
	copy(padded[12:], a.Bytes())
	return padded
}
