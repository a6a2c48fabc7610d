// Package simhash computes 64-bit SimHash fingerprints for
// near-duplicate detection of article text.
package simhash

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Bits is the fingerprint width.
const Bits = 64

// ZeroFingerprint is the fingerprint of empty or token-free text.
const ZeroFingerprint = "0000000000000000"

// ErrBadFingerprint indicates a fingerprint that could not be decoded.
// Callers must treat it as "similarity unknown", never as a verdict.
var ErrBadFingerprint = eris.New("simhash: malformed fingerprint")

// Tokenize splits text into lowercase alphanumeric runs. Every other
// character is a separator.
func Tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}

// tokenHash maps a token to 64 bits, taken from the low half of its
// MD5 digest. MD5 is used as a spreading function here, not for
// security.
func tokenHash(token string) uint64 {
	sum := md5.Sum([]byte(token))
	return binary.BigEndian.Uint64(sum[8:16])
}

// Fingerprint computes the SimHash of text as a 16-char lowercase hex
// string. Empty or token-free input yields ZeroFingerprint.
func Fingerprint(text string) string {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return ZeroFingerprint
	}

	var counters [Bits]int
	for _, tok := range tokens {
		h := tokenHash(tok)
		for i := 0; i < Bits; i++ {
			if h>>uint(i)&1 == 1 {
				counters[i]++
			} else {
				counters[i]--
			}
		}
	}

	var fp uint64
	for i := 0; i < Bits; i++ {
		if counters[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fmt.Sprintf("%016x", fp)
}

func decode(fp string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(fp), 16, 64)
	if err != nil {
		return 0, eris.Wrapf(ErrBadFingerprint, "%q", fp)
	}
	return v, nil
}

// Distance returns the Hamming distance between two hex fingerprints.
// Malformed input fails with ErrBadFingerprint.
func Distance(a, b string) (int, error) {
	va, err := decode(a)
	if err != nil {
		return 0, err
	}
	vb, err := decode(b)
	if err != nil {
		return 0, err
	}
	return bits.OnesCount64(va ^ vb), nil
}

// AreSimilar reports whether two fingerprints are within threshold
// differing bits of each other.
func AreSimilar(a, b string, threshold int) (bool, error) {
	d, err := Distance(a, b)
	if err != nil {
		return false, err
	}
	return d <= threshold, nil
}
