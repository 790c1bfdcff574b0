// Package password generates random passwords that cover a set of character classes.
package password

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// Character classes.
const (
	Lower   = "abcdefghijklmnopqrstuvwxyz"
	Upper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	Digits  = "0123456789"
	Symbols = "!@#$%^&*()_+-=[]{}|;:,.<>?"
)

// DefaultLength is used when a caller asks for length 0.
const DefaultLength = 16

// MaxLength bounds a single password so a request cannot size the buffer.
const MaxLength = 1024

var (
	// ErrWeakRandomSource is returned when the secure random source fails.
	ErrWeakRandomSource = errors.New("secure random source unavailable")

	// ErrInvalidPolicy is returned for empty classes or a length outside
	// [class count, MaxLength].
	ErrInvalidPolicy = errors.New("invalid password policy")
)

// Class is a named set of characters of which a password must contain at least one.
type Class struct {
	Name  string `json:"name" mapstructure:"name" yaml:"name"`
	Chars string `json:"chars" mapstructure:"chars" yaml:"chars"`
}

// Policy lists the classes a password must cover.
type Policy struct {
	Classes []Class `json:"classes" mapstructure:"classes" yaml:"classes"`
}

// DefaultPolicy requires lowercase, uppercase, digit and symbol.
func DefaultPolicy() Policy {
	return Policy{Classes: []Class{
		{Name: "lower", Chars: Lower},
		{Name: "upper", Chars: Upper},
		{Name: "digit", Chars: Digits},
		{Name: "symbol", Chars: Symbols},
	}}
}

// Validate checks that the policy can produce a password of length n.
func (p Policy) Validate(n int) error {
	if len(p.Classes) == 0 {
		return fmt.Errorf("%w: no character classes", ErrInvalidPolicy)
	}
	for _, c := range p.Classes {
		if len(c.Chars) == 0 {
			return fmt.Errorf("%w: class %q is empty", ErrInvalidPolicy, c.Name)
		}
	}
	if n < len(p.Classes) {
		return fmt.Errorf("%w: length %d is shorter than the %d required classes", ErrInvalidPolicy, n, len(p.Classes))
	}
	if n > MaxLength {
		return fmt.Errorf("%w: length %d exceeds the maximum of %d", ErrInvalidPolicy, n, MaxLength)
	}
	return nil
}

// alphabet returns the deduplicated union of all class characters.
func (p Policy) alphabet() []byte {
	seen := make(map[byte]bool)
	var out []byte
	for _, c := range p.Classes {
		for i := 0; i < len(c.Chars); i++ {
			if !seen[c.Chars[i]] {
				seen[c.Chars[i]] = true
				out = append(out, c.Chars[i])
			}
		}
	}
	return out
}

// Generator produces passwords from a random source.
type Generator struct {
	rand io.Reader
}

// NewGenerator returns a Generator reading from crypto/rand.
func NewGenerator() *Generator {
	return &Generator{rand: rand.Reader}
}

// NewGeneratorWithSource returns a Generator reading from r. Used in tests.
func NewGeneratorWithSource(r io.Reader) *Generator {
	return &Generator{rand: r}
}

// Generate returns a password of length n: one character from each class,
// the rest drawn uniformly from the union of all classes, then shuffled.
// The caller owns the returned slice and should zero it after use.
func (g *Generator) Generate(n int, p Policy) ([]byte, error) {
	if n == 0 {
		n = DefaultLength
	}
	if err := p.Validate(n); err != nil {
		return nil, err
	}

	out := make([]byte, 0, n)
	for _, c := range p.Classes {
		b, err := g.pick(c.Chars)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	all := p.alphabet()
	for len(out) < n {
		b, err := g.pick(string(all))
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}

	// Fisher-Yates.
	for i := len(out) - 1; i > 0; i-- {
		j, err := g.intn(i + 1)
		if err != nil {
			return nil, err
		}
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (g *Generator) pick(chars string) (byte, error) {
	i, err := g.intn(len(chars))
	if err != nil {
		return 0, err
	}
	return chars[i], nil
}

func (g *Generator) intn(n int) (int, error) {
	v, err := rand.Int(g.rand, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWeakRandomSource, err)
	}
	return int(v.Int64()), nil
}
