// commitment.go - Pedersen commitments over the BLS12-377 G1 group.
//
// A commitment to value v under blinding factor a is C = v*G + a*H, where G is the
// standard generator and H is a second generator derived by hashing a recorded seed
// to the curve, so that nobody knows log_G(H). Commitments are additively
// homomorphic: k1*C(v1,a1) + k2*C(v2,a2) = C(k1*v1 + k2*v2, k1*a1 + k2*a2).

package commitment

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
)

// hashDST separates the H derivation from every other use of hash-to-curve.
var hashDST = []byte("METERBILL-V01-CS01-with-BLS12377G1_XMD:SHA-256_SSWU_RO_")

// SeedSize is the number of random bytes behind a freshly generated H.
const SeedSize = 32

var (
	ErrInvalidParams = errors.New("commitment: invalid parameters")
	ErrInvalidPoint  = errors.New("commitment: invalid point")
	ErrScalarRange   = errors.New("commitment: scalar out of range")
)

// Order returns the order r of the commitment group. Scalars live in [0, r).
func Order() *big.Int {
	return bls12377_fr.Modulus()
}

// Params fixes the two generators of the commitment scheme.
type Params struct {
	Seed []byte
	H    bls12377.G1Affine
}

var g1Gen bls12377.G1Affine

func init() {
	_, _, g1Gen, _ = bls12377.Generators()
}

// Generate draws a new seed and derives H from it.
func Generate(random io.Reader) (*Params, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(random, seed); err != nil {
		return nil, fmt.Errorf("commitment: read seed: %w", err)
	}
	return Derive(seed)
}

// Derive builds the parameters whose H is the hash of seed.
func Derive(seed []byte) (*Params, error) {
	h, err := bls12377.HashToG1(seed, hashDST)
	if err != nil {
		return nil, fmt.Errorf("commitment: hash to curve: %w", err)
	}
	return &Params{Seed: append([]byte(nil), seed...), H: h}, nil
}

// Validate checks that H is a proper generator that was honestly derived from Seed.
func (p *Params) Validate() error {
	if len(p.Seed) < SeedSize/2 {
		return fmt.Errorf("%w: seed too short", ErrInvalidParams)
	}
	if p.H.IsInfinity() || !p.H.IsOnCurve() || !p.H.IsInSubGroup() {
		return fmt.Errorf("%w: H is not a subgroup point", ErrInvalidParams)
	}
	want, err := bls12377.HashToG1(p.Seed, hashDST)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if !want.Equal(&p.H) {
		return fmt.Errorf("%w: H does not match seed", ErrInvalidParams)
	}
	if g1Gen.Equal(&p.H) {
		return fmt.Errorf("%w: H equals G", ErrInvalidParams)
	}
	return nil
}

// RandomBlinding samples a blinding factor uniformly from [0, r).
func RandomBlinding(random io.Reader) (*big.Int, error) {
	if random == nil {
		random = rand.Reader
	}
	a, err := rand.Int(random, Order())
	if err != nil {
		return nil, fmt.Errorf("commitment: sample blinding: %w", err)
	}
	return a, nil
}

// CheckScalar rejects scalars outside [0, r).
func CheckScalar(s *big.Int) error {
	if s == nil || s.Sign() < 0 || s.Cmp(Order()) >= 0 {
		return ErrScalarRange
	}
	return nil
}

// Commit returns v*G + a*H. Both scalars are reduced modulo r.
func (p *Params) Commit(v, a *big.Int) Point {
	var vG, aH bls12377.G1Affine
	vG.ScalarMultiplication(&g1Gen, reduce(v))
	aH.ScalarMultiplication(&p.H, reduce(a))
	var acc, tmp bls12377.G1Jac
	acc.FromAffine(&vG)
	tmp.FromAffine(&aH)
	acc.AddAssign(&tmp)
	var out Point
	out.p.FromJacobian(&acc)
	return out
}

// Opens reports whether (v, a) opens c.
func (p *Params) Opens(c Point, v, a *big.Int) bool {
	return p.Commit(v, a).Equal(c)
}

func reduce(s *big.Int) *big.Int {
	return new(big.Int).Mod(s, Order())
}

// Point is a commitment.
type Point struct {
	p bls12377.G1Affine
}

// Equal reports whether two commitments are the same group element.
func (c Point) Equal(o Point) bool {
	return c.p.Equal(&o.p)
}

// Hex returns the compressed encoding in lowercase hex.
func (c Point) Hex() string {
	b := c.p.Bytes()
	return hex.EncodeToString(b[:])
}

func (c Point) String() string { return c.Hex() }

// ParsePoint decodes the output of Hex and checks subgroup membership.
func ParsePoint(s string) (Point, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Point{}, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	if len(b) != bls12377.SizeOfG1AffineCompressed {
		return Point{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidPoint, bls12377.SizeOfG1AffineCompressed, len(b))
	}
	var c Point
	if _, err := c.p.SetBytes(b); err != nil {
		return Point{}, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return c, nil
}

// Sum accumulates k_i * C_i.
type Sum struct {
	acc bls12377.G1Jac
}

// Add adds k*c to the running sum.
func (s *Sum) Add(c Point, k *big.Int) {
	var scaled bls12377.G1Affine
	scaled.ScalarMultiplication(&c.p, reduce(k))
	var tmp bls12377.G1Jac
	tmp.FromAffine(&scaled)
	s.acc.AddAssign(&tmp)
}

// Point returns the accumulated commitment.
func (s *Sum) Point() Point {
	var out Point
	out.p.FromJacobian(&s.acc)
	return out
}
