// Package digest names the content hash algorithms a manifest may use and
// computes digests over files and streams.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Algorithm identifies a content hash function.
type Algorithm string

const (
	MD5        Algorithm = "md5"
	SHA1       Algorithm = "sha1"
	SHA256     Algorithm = "sha256"
	SHA512     Algorithm = "sha512"
	BLAKE2b256 Algorithm = "blake2b-256"
)

var hexLengths = map[Algorithm]int{
	MD5:        32,
	SHA1:       40,
	SHA256:     64,
	SHA512:     128,
	BLAKE2b256: 64,
}

// Known reports whether a is a supported algorithm.
func (a Algorithm) Known() bool {
	_, ok := hexLengths[a]
	return ok
}

// New returns a fresh hash.Hash for a.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", string(a))
	}
}

// Sum is an expected or computed digest.
type Sum struct {
	Algorithm Algorithm
	Hex       string
}

func (s Sum) String() string {
	return string(s.Algorithm) + ":" + s.Hex
}

// IsZero reports whether no digest is set.
func (s Sum) IsZero() bool {
	return s.Algorithm == "" && s.Hex == ""
}

// Equal compares two sums; hex case is ignored.
func (s Sum) Equal(o Sum) bool {
	return s.Algorithm == o.Algorithm && strings.EqualFold(s.Hex, o.Hex)
}

// Parse reads "algo:hex" or bare hex. Bare hex is attributed by length:
// 32 md5, 40 sha1, 64 sha256, 128 sha512. blake2b-256 must be prefixed.
func Parse(s string) (Sum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Sum{}, fmt.Errorf("hash is empty")
	}

	var alg Algorithm
	hexPart := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		alg = Algorithm(strings.ToLower(s[:i]))
		hexPart = s[i+1:]
	} else {
		switch len(s) {
		case 32:
			alg = MD5
		case 40:
			alg = SHA1
		case 64:
			alg = SHA256
		case 128:
			alg = SHA512
		default:
			return Sum{}, fmt.Errorf("cannot infer hash algorithm from %d hex digits", len(s))
		}
	}

	want, ok := hexLengths[alg]
	if !ok {
		return Sum{}, fmt.Errorf("unsupported hash algorithm %q", string(alg))
	}
	if len(hexPart) != want {
		return Sum{}, fmt.Errorf("%s digest must be %d hex digits, got %d", alg, want, len(hexPart))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return Sum{}, fmt.Errorf("digest is not hex: %w", err)
	}
	return Sum{Algorithm: alg, Hex: strings.ToLower(hexPart)}, nil
}

// Reader computes a digest of r.
func Reader(alg Algorithm, r io.Reader) (Sum, int64, error) {
	h, err := alg.New()
	if err != nil {
		return Sum{}, 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return Sum{}, n, err
	}
	return Sum{Algorithm: alg, Hex: hex.EncodeToString(h.Sum(nil))}, n, nil
}

// FromHash wraps the current state of h, which must implement alg.
func FromHash(alg Algorithm, h hash.Hash) Sum {
	return Sum{Algorithm: alg, Hex: hex.EncodeToString(h.Sum(nil))}
}

// Bytes computes the digest of b. Unknown algorithms yield a zero Sum.
func Bytes(alg Algorithm, b []byte) Sum {
	h, err := alg.New()
	if err != nil {
		return Sum{}
	}
	h.Write(b)
	return Sum{Algorithm: alg, Hex: hex.EncodeToString(h.Sum(nil))}
}
