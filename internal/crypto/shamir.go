package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// Shamir secret sharing over GF(2^8), one polynomial per secret byte.
// A share is x(1 byte, 1..255) followed by len(secret) y bytes.

// SplitKey splits secret into n shares, any t of which reconstruct it.
func SplitKey(secret []byte, n, t int) ([][]byte, error) {
	switch {
	case len(secret) == 0:
		return nil, errors.New("secret is empty")
	case t < 2:
		return nil, errors.New("threshold must be at least 2")
	case t > n:
		return nil, errors.New("threshold cannot exceed total shares")
	case n > 255:
		return nil, errors.New("at most 255 shares are supported")
	}

	shares := make([][]byte, n)
	for i := range shares {
		shares[i] = make([]byte, len(secret)+1)
		shares[i][0] = byte(i + 1)
	}

	coeffs := make([]byte, t)
	defer Zero(coeffs)
	for idx, b := range secret {
		coeffs[0] = b
		if _, err := io.ReadFull(rand.Reader, coeffs[1:]); err != nil {
			return nil, fmt.Errorf("generating coefficients: %w", err)
		}
		for i := range shares {
			shares[i][idx+1] = evalPoly(coeffs, shares[i][0])
		}
	}
	return shares, nil
}

// CombineShares reconstructs the secret from t or more shares.
func CombineShares(shares [][]byte) ([]byte, error) {
	if len(shares) < 2 {
		return nil, errors.New("need at least 2 shares")
	}
	size := len(shares[0])
	if size < 2 {
		return nil, errors.New("share too short")
	}
	seen := make(map[byte]bool, len(shares))
	xs := make([]byte, len(shares))
	for i, s := range shares {
		if len(s) != size {
			return nil, errors.New("shares have different lengths")
		}
		if s[0] == 0 || seen[s[0]] {
			return nil, fmt.Errorf("share %d has invalid or duplicate index", i)
		}
		seen[s[0]] = true
		xs[i] = s[0]
	}

	secret := make([]byte, size-1)
	for idx := range secret {
		var acc byte
		for i, s := range shares {
			// Lagrange basis at x=0; subtraction is XOR in GF(2^8).
			basis := byte(1)
			for j := range shares {
				if i == j {
					continue
				}
				basis = gfMul(basis, gfDiv(xs[j], xs[i]^xs[j]))
			}
			acc ^= gfMul(s[idx+1], basis)
		}
		secret[idx] = acc
	}
	return secret, nil
}

func evalPoly(coeffs []byte, x byte) byte {
	var y byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		y = gfMul(y, x) ^ coeffs[i]
	}
	return y
}

// gfMul multiplies in GF(2^8) modulo x^8+x^4+x^3+x+1.
func gfMul(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 != 0 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

// gfDiv computes a/b as a*b^254. b must be non-zero.
func gfDiv(a, b byte) byte {
	inv := byte(1)
	base := b
	for e := 254; e > 0; e >>= 1 {
		if e&1 == 1 {
			inv = gfMul(inv, base)
		}
		base = gfMul(base, base)
	}
	return gfMul(a, inv)
}
