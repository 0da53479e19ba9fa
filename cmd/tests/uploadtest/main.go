// Command uploadtest exercises the full paid upload path against a running
// bundler: it signs an ANS-104 data item with a throwaway Ethereum key, walks
// the 402 handshake, signs the EIP-3009 authorization, and resubmits with an
// X-PAYMENT header.
package main

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/bundlepay/server/pkg/bundleitem"
	"github.com/bundlepay/server/pkg/x402"
)

func main() {
	var (
		serverURL   = flag.String("server", "http://localhost:8080", "bundler base URL")
		prefix      = flag.String("prefix", "", "route prefix the server was configured with")
		payloadSize = flag.Int("bytes", 1024, "random payload size when no file is given")
		payloadFile = flag.String("file", "", "file to upload instead of random bytes")
		contentType = flag.String("content-type", "application/octet-stream", "Content-Type tag on the item")
		keyHex      = flag.String("key", "", "hex Ethereum private key; generated when empty")
		network     = flag.String("network", "", "settlement network to pay on (default: first accepted)")
		chainID     = flag.Int64("chain-id", 8453, "EIP-155 chain id of the settlement network")
		free        = flag.Bool("free", false, "stop after the first request instead of paying a 402")
	)
	flag.Parse()

	payload, err := loadPayload(*payloadFile, *payloadSize)
	if err != nil {
		log.Fatalf("build payload: %v", err)
	}

	key, err := loadKey(*keyHex)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)
	log.Printf("signing as %s", owner.Hex())

	signer := bundleitem.NewEthereumSigner(key)
	tags := []bundleitem.Tag{{Name: "Content-Type", Value: *contentType}}
	item, err := bundleitem.BuildItem(signer, nil, nil, tags, payload)
	if err != nil {
		log.Fatalf("build data item: %v", err)
	}
	log.Printf("data item: %d bytes (%d payload)", len(item), len(payload))

	uploadURL := strings.TrimRight(*serverURL, "/") + *prefix + "/v1/tx"

	status, body, headers, err := upload(uploadURL, item, "")
	if err != nil {
		log.Fatalf("upload: %v", err)
	}

	switch status {
	case http.StatusOK:
		log.Printf("accepted without payment (free tier)")
		printReceipt(body, headers)
		return
	case http.StatusPaymentRequired:
		if *free {
			fmt.Printf("%s\n", body)
			return
		}
	default:
		log.Fatalf("unexpected status %d: %s", status, body)
	}

	var quote x402.RequiredResponse
	if err := json.Unmarshal(body, &quote); err != nil {
		log.Fatalf("parse 402 body: %v", err)
	}
	req, err := pickRequirements(quote, *network)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("quoted %s atomic units on %s (pay to %s)", req.MaxAmountRequired, req.Network, req.PayTo)

	header, err := signPayment(key, owner.Hex(), req, *chainID)
	if err != nil {
		log.Fatalf("sign payment: %v", err)
	}
	fmt.Printf("export X_PAYMENT_HEADER=%q\n", header)
	fmt.Printf("curl -i -X POST %s --data-binary @item.bin -H \"X-PAYMENT: %s\"\n", uploadURL, header)

	status, body, headers, err = upload(uploadURL, item, header)
	if err != nil {
		log.Fatalf("paid upload: %v", err)
	}
	if status != http.StatusOK {
		log.Fatalf("paid upload rejected with %d: %s", status, body)
	}
	printReceipt(body, headers)
}

func loadPayload(path string, size int) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func loadKey(keyHex string) (*ecdsa.PrivateKey, error) {
	if keyHex == "" {
		return crypto.GenerateKey()
	}
	return crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
}

func upload(url string, item []byte, paymentHeader string) (int, []byte, http.Header, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(item))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(item))
	if paymentHeader != "" {
		req.Header.Set(x402.HeaderPayment, paymentHeader)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, body, resp.Header, nil
}

func pickRequirements(quote x402.RequiredResponse, network string) (x402.PaymentRequirements, error) {
	if len(quote.Accepts) == 0 {
		return x402.PaymentRequirements{}, fmt.Errorf("402 carried no accepted networks: %s", quote.Error)
	}
	if network == "" {
		return quote.Accepts[0], nil
	}
	for _, req := range quote.Accepts {
		if req.Network == network {
			return req, nil
		}
	}
	return x402.PaymentRequirements{}, fmt.Errorf("network %q not offered", network)
}

// signPayment signs the EIP-3009 TransferWithAuthorization for one accepts
// entry and encodes the X-PAYMENT header value.
func signPayment(key *ecdsa.PrivateKey, from string, req x402.PaymentRequirements, chainID int64) (string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}

	now := time.Now().Unix()
	auth := x402.EVMAuthorization{
		From:        from,
		To:          req.PayTo,
		Value:       x402.FlexString(req.MaxAmountRequired),
		ValidAfter:  x402.FlexString(fmt.Sprintf("%d", now-60)),
		ValidBefore: x402.FlexString(fmt.Sprintf("%d", now+int64(req.MaxTimeoutSeconds))),
		Nonce:       "0x" + hex.EncodeToString(nonce[:]),
	}

	tokenName, tokenVersion := "USD Coin", "2"
	if req.Extra != nil {
		tokenName, tokenVersion = req.Extra.Name, req.Extra.Version
	}

	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              tokenName,
			Version:           tokenVersion,
			ChainId:           gethmath.NewHexOrDecimal256(chainID),
			VerifyingContract: req.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       string(auth.Value),
			"validAfter":  string(auth.ValidAfter),
			"validBefore": string(auth.ValidBefore),
			"nonce":       auth.Nonce,
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return "", fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("sign digest: %w", err)
	}
	sig[64] += 27

	payload := x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      x402.SchemeExact,
		Network:     req.Network,
		Payload: x402.ExactEVMPayload{
			Signature:     "0x" + hex.EncodeToString(sig),
			Authorization: auth,
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func printReceipt(body []byte, headers http.Header) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		pretty.Write(body)
	}
	fmt.Printf("%s\n", pretty.String())

	if settlement := headers.Get(x402.HeaderPaymentResponse); settlement != "" {
		decoded, err := base64.StdEncoding.DecodeString(settlement)
		if err != nil {
			log.Printf("settlement header not base64: %v", err)
			return
		}
		log.Printf("settlement: %s", decoded)
	}
}
