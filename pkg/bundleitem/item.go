// Package bundleitem implements the chain's binary bundle format: signed
// data items, their Avro-encoded tags, the deep-hash signing construction,
// and the count-prefixed bundle container. The decoder is streaming: all
// header fields are available before any payload byte is consumed, so
// multi-gigabyte items never need to be buffered.
package bundleitem

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
)

// Header holds every field of an item that precedes the payload.
type Header struct {
	SignatureType SignatureType
	Signature     []byte
	Owner         []byte
	Target        []byte // empty or 32 bytes
	Anchor        []byte // empty or 32 bytes
	Tags          []Tag
	RawTagBytes   []byte

	// PayloadDataStart is the absolute offset of the first payload byte
	// within the item's wire form.
	PayloadDataStart int64

	// Raw is the exact header bytes as read from the wire.
	Raw []byte
}

// DecodeHeader reads an item header from r and returns it together with a
// reader positioned at the first payload byte. Exactly the header bytes are
// consumed from r.
func DecodeHeader(r io.Reader) (*Header, io.Reader, error) {
	raw := &bytes.Buffer{}
	tee := io.TeeReader(r, raw)

	var sigTypeBytes [2]byte
	if _, err := io.ReadFull(tee, sigTypeBytes[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: signature type: %v", ErrInvalidHeader, err)
	}
	sigType := SignatureType(binary.LittleEndian.Uint16(sigTypeBytes[:]))
	spec, ok := SpecFor(sigType)
	if !ok {
		return nil, nil, fmt.Errorf("%w: code %d", ErrUnknownSignatureType, sigType)
	}

	sig := make([]byte, spec.SignatureLength)
	if _, err := io.ReadFull(tee, sig); err != nil {
		return nil, nil, fmt.Errorf("%w: signature: %v", ErrInvalidHeader, err)
	}
	owner := make([]byte, spec.OwnerLength)
	if _, err := io.ReadFull(tee, owner); err != nil {
		return nil, nil, fmt.Errorf("%w: owner: %v", ErrInvalidHeader, err)
	}

	target, err := readPresence(tee, "target")
	if err != nil {
		return nil, nil, err
	}
	anchor, err := readPresence(tee, "anchor")
	if err != nil {
		return nil, nil, err
	}

	var counts [16]byte
	if _, err := io.ReadFull(tee, counts[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: tag counts: %v", ErrInvalidHeader, err)
	}
	tagCount := binary.LittleEndian.Uint64(counts[0:8])
	tagBytesLen := binary.LittleEndian.Uint64(counts[8:16])
	if tagBytesLen > MaxTagBytes {
		return nil, nil, fmt.Errorf("%w: tag section is %d bytes", ErrInvalidHeader, tagBytesLen)
	}

	rawTags := make([]byte, tagBytesLen)
	if _, err := io.ReadFull(tee, rawTags); err != nil {
		return nil, nil, fmt.Errorf("%w: tag bytes: %v", ErrInvalidHeader, err)
	}
	tags, err := DecodeTags(rawTags)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(tags)) != tagCount {
		return nil, nil, fmt.Errorf("%w: header declares %d tags, decoded %d", ErrInvalidHeader, tagCount, len(tags))
	}

	h := &Header{
		SignatureType: sigType,
		Signature:     sig,
		Owner:         owner,
		Target:        target,
		Anchor:        anchor,
		Tags:          tags,
		RawTagBytes:   rawTags,
		Raw:           raw.Bytes(),
	}
	h.PayloadDataStart = int64(len(h.Raw))
	return h, r, nil
}

func readPresence(r io.Reader, field string) ([]byte, error) {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, fmt.Errorf("%w: %s flag: %v", ErrInvalidHeader, field, err)
	}
	switch flag[0] {
	case 0:
		return nil, nil
	case 1:
		buf := make([]byte, 32)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHeader, field, err)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %s presence flag %d", ErrInvalidHeader, field, flag[0])
	}
}

// ID returns the item id: base64url of the SHA-256 of the raw signature.
func (h *Header) ID() string {
	sum := sha256.Sum256(h.Signature)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// OwnerAddress derives the owner's display address per the header's scheme.
func (h *Header) OwnerAddress() (string, error) {
	spec, ok := SpecFor(h.SignatureType)
	if !ok {
		return "", fmt.Errorf("%w: code %d", ErrUnknownSignatureType, h.SignatureType)
	}
	return spec.OwnerAddress(h.Owner)
}

// ContentType returns the payload content type declared in tags, or the
// octet-stream default.
func (h *Header) ContentType() string {
	if ct := TagValue(h.Tags, TagContentType); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// SignatureData computes the deep-hash digest the item signature covers.
// payloadDigest is the blob deep-hash of the payload bytes, typically
// produced by a BlobHasher while the payload streams through a sink.
func (h *Header) SignatureData(payloadDigest []byte) []byte {
	return DeepHashList(
		DeepHashBlob([]byte("dataitem")),
		DeepHashBlob([]byte("1")),
		DeepHashBlob([]byte(strconv.Itoa(int(h.SignatureType)))),
		DeepHashBlob(h.Owner),
		DeepHashBlob(h.Target),
		DeepHashBlob(h.Anchor),
		DeepHashBlob(h.RawTagBytes),
		payloadDigest,
	)
}

// VerifySignature checks the item signature against the owner key using the
// scheme's verifier from the signature-type table.
func (h *Header) VerifySignature(payloadDigest []byte) error {
	spec, ok := SpecFor(h.SignatureType)
	if !ok {
		return fmt.Errorf("%w: code %d", ErrUnknownSignatureType, h.SignatureType)
	}
	return spec.Verify(h.Owner, h.SignatureData(payloadDigest), h.Signature)
}

// DecodeItem parses a complete in-memory item and verifies nothing. The
// returned payload aliases data.
func DecodeItem(data []byte) (*Header, []byte, error) {
	h, tail, err := DecodeHeader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	payload, err := io.ReadAll(tail)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: payload: %v", ErrInvalidHeader, err)
	}
	return h, payload, nil
}

// BuildItem assembles and signs a complete item. Target and anchor must be
// empty or exactly 32 bytes.
func BuildItem(signer Signer, target, anchor []byte, tags []Tag, payload []byte) ([]byte, error) {
	if len(target) != 0 && len(target) != 32 {
		return nil, fmt.Errorf("%w: target length %d", ErrInvalidHeader, len(target))
	}
	if len(anchor) != 0 && len(anchor) != 32 {
		return nil, fmt.Errorf("%w: anchor length %d", ErrInvalidHeader, len(anchor))
	}
	spec, ok := SpecFor(signer.Type())
	if !ok {
		return nil, fmt.Errorf("%w: code %d", ErrUnknownSignatureType, signer.Type())
	}
	owner := signer.Owner()
	if len(owner) != spec.OwnerLength {
		return nil, fmt.Errorf("%w: owner length %d for %s", ErrInvalidHeader, len(owner), spec.Name)
	}

	rawTags, err := EncodeTags(tags)
	if err != nil {
		return nil, err
	}

	h := &Header{
		SignatureType: signer.Type(),
		Owner:         owner,
		Target:        target,
		Anchor:        anchor,
		Tags:          tags,
		RawTagBytes:   rawTags,
	}
	sig, err := signer.Sign(h.SignatureData(DeepHashBlob(payload)))
	if err != nil {
		return nil, fmt.Errorf("sign item: %w", err)
	}
	if len(sig) != spec.SignatureLength {
		return nil, fmt.Errorf("%w: signature length %d for %s", ErrInvalidHeader, len(sig), spec.Name)
	}

	buf := make([]byte, 0, 2+len(sig)+len(owner)+66+16+len(rawTags)+len(payload))
	var sigTypeBytes [2]byte
	binary.LittleEndian.PutUint16(sigTypeBytes[:], uint16(signer.Type()))
	buf = append(buf, sigTypeBytes[:]...)
	buf = append(buf, sig...)
	buf = append(buf, owner...)
	buf = appendPresence(buf, target)
	buf = appendPresence(buf, anchor)
	var counts [16]byte
	binary.LittleEndian.PutUint64(counts[0:8], uint64(len(tags)))
	binary.LittleEndian.PutUint64(counts[8:16], uint64(len(rawTags)))
	buf = append(buf, counts[:]...)
	buf = append(buf, rawTags...)
	buf = append(buf, payload...)
	return buf, nil
}

func appendPresence(buf, field []byte) []byte {
	if len(field) == 0 {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return append(buf, field...)
}
