// Package decryptor provides the parsing helpers the HLS Processor needs for
// #EXT-X-KEY's IV attribute. Actual AES-128 decryption is delegated to the transcoder
// (it is given the local manifest, with method=AES-128 and a local key file URI, and
// performs the decrypt itself while muxing) per the resolution of design note §9 open
// question (b); this package does not decrypt segment bytes.
package decryptor

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseIV parses a hex-encoded IV string from an #EXT-X-KEY IV attribute (format
// "0x..." or a bare hex string), padding or truncating to the required 16 bytes.
func ParseIV(ivStr string) ([]byte, error) {
	if ivStr == "" {
		return nil, nil
	}
	ivStr = strings.TrimPrefix(strings.TrimPrefix(ivStr, "0x"), "0X")

	iv, err := hex.DecodeString(ivStr)
	if err != nil {
		return nil, fmt.Errorf("parse IV: %w", err)
	}
	if len(iv) < 16 {
		padded := make([]byte, 16)
		copy(padded[16-len(iv):], iv)
		iv = padded
	}
	return iv[:16], nil
}

// SegmentIV derives the default IV from a segment's media-sequence number, per the HLS
// spec's fallback when #EXT-X-KEY carries no explicit IV: the sequence number as a
// big-endian 128-bit value.
func SegmentIV(sequenceNumber int) []byte {
	iv := make([]byte, 16)
	for i := 15; i >= 0 && sequenceNumber > 0; i-- {
		iv[i] = byte(sequenceNumber & 0xff)
		sequenceNumber >>= 8
	}
	return iv
}
