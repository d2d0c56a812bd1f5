package beacon

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	bn256 "github.com/ethereum/go-ethereum/crypto/bn256/cloudflare"
)

// =============================================================================
// BN254 G1 Signature Codec
// =============================================================================

const (
	coordinateSize   = 32
	uncompressedSize = 2 * coordinateSize
	compressedSize   = coordinateSize
	g2Size           = 4 * coordinateSize

	flagMask     = 0xC0
	flagSmallest = 0x80
	flagLargest  = 0xC0
	flagInfinity = 0x40
)

// ErrInvalidSignature is returned for any signature that is not a valid,
// non-identity point on the BN254 G1 curve.
var ErrInvalidSignature = errors.New("beacon: invalid signature")

// fieldModulus is the BN254 base field prime p.
var fieldModulus, _ = new(big.Int).SetString(
	"21888242871839275222246405745257275088696311157297823662689037894645226208583", 10)

var (
	curveB   = big.NewInt(3)
	halfP    = new(big.Int).Rsh(fieldModulus, 1)
	sqrtExp  = new(big.Int).Rsh(new(big.Int).Add(fieldModulus, big.NewInt(1)), 2) // (p+1)/4, p = 3 mod 4
	zeroBig  = new(big.Int)
	errShort = errors.New("unexpected length")
)

// G1Point is an affine point on BN254 G1.
type G1Point struct {
	X *big.Int
	Y *big.Int
}

// Bytes returns the 64-byte uncompressed x||y encoding.
func (p G1Point) Bytes() []byte {
	out := make([]byte, uncompressedSize)
	p.X.FillBytes(out[:coordinateSize])
	p.Y.FillBytes(out[coordinateSize:])
	return out
}

// CompressedBytes returns the 32-byte encoding with the y selector in the top two bits.
func (p G1Point) CompressedBytes() []byte {
	out := make([]byte, compressedSize)
	p.X.FillBytes(out)
	if p.Y.Cmp(halfP) > 0 {
		out[0] |= flagLargest
	} else {
		out[0] |= flagSmallest
	}
	return out
}

// Words returns the coordinates as the uint256[2] a contract expects.
func (p G1Point) Words() [2]*big.Int {
	return [2]*big.Int{new(big.Int).Set(p.X), new(big.Int).Set(p.Y)}
}

// Equal reports whether two points have identical coordinates.
func (p G1Point) Equal(o G1Point) bool {
	if p.X == nil || p.Y == nil || o.X == nil || o.Y == nil {
		return false
	}
	return p.X.Cmp(o.X) == 0 && p.Y.Cmp(o.Y) == 0
}

// DecodeSignature parses a hex encoded G1 point. Both the 64-byte uncompressed and
// the 32-byte compressed forms are accepted; anything else, the identity, or a point
// off the curve is rejected with ErrInvalidSignature.
func DecodeSignature(s string) (G1Point, error) {
	raw, err := decodeHex(s)
	if err != nil {
		return G1Point{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return DecodeSignatureBytes(raw)
}

// DecodeSignatureBytes is DecodeSignature on raw bytes.
func DecodeSignatureBytes(raw []byte) (G1Point, error) {
	switch len(raw) {
	case uncompressedSize:
		return decodeUncompressed(raw)
	case compressedSize:
		return decodeCompressed(raw)
	default:
		return G1Point{}, fmt.Errorf("%w: %v: %d bytes", ErrInvalidSignature, errShort, len(raw))
	}
}

// EncodeSignature hex encodes p in the requested form, without a 0x prefix.
func EncodeSignature(p G1Point, compressed bool) string {
	if compressed {
		return hex.EncodeToString(p.CompressedBytes())
	}
	return hex.EncodeToString(p.Bytes())
}

func decodeUncompressed(raw []byte) (G1Point, error) {
	x := new(big.Int).SetBytes(raw[:coordinateSize])
	y := new(big.Int).SetBytes(raw[coordinateSize:])
	if x.Sign() == 0 && y.Sign() == 0 {
		return G1Point{}, fmt.Errorf("%w: point at infinity", ErrInvalidSignature)
	}
	if err := checkOnCurve(raw); err != nil {
		return G1Point{}, err
	}
	return G1Point{X: x, Y: y}, nil
}

func decodeCompressed(raw []byte) (G1Point, error) {
	flag := raw[0] & flagMask
	switch flag {
	case flagInfinity:
		return G1Point{}, fmt.Errorf("%w: point at infinity", ErrInvalidSignature)
	case flagSmallest, flagLargest:
	default:
		return G1Point{}, fmt.Errorf("%w: missing compression flag", ErrInvalidSignature)
	}

	xb := make([]byte, compressedSize)
	copy(xb, raw)
	xb[0] &^= flagMask
	x := new(big.Int).SetBytes(xb)
	if x.Cmp(fieldModulus) >= 0 {
		return G1Point{}, fmt.Errorf("%w: x exceeds field modulus", ErrInvalidSignature)
	}

	// y^2 = x^3 + 3
	rhs := new(big.Int).Exp(x, big.NewInt(3), fieldModulus)
	rhs.Add(rhs, curveB).Mod(rhs, fieldModulus)
	y := new(big.Int).Exp(rhs, sqrtExp, fieldModulus)
	if new(big.Int).Exp(y, big.NewInt(2), fieldModulus).Cmp(rhs) != 0 {
		return G1Point{}, fmt.Errorf("%w: x is not on the curve", ErrInvalidSignature)
	}

	larger := y.Cmp(halfP) > 0
	if (flag == flagLargest) != larger && y.Cmp(zeroBig) != 0 {
		y.Sub(fieldModulus, y)
	}

	p := G1Point{X: x, Y: y}
	if err := checkOnCurve(p.Bytes()); err != nil {
		return G1Point{}, err
	}
	return p, nil
}

// checkOnCurve runs the uncompressed encoding through the bn256 unmarshaller,
// which rejects coordinates >= p and points not satisfying the curve equation.
func checkOnCurve(raw []byte) error {
	rest, err := new(bn256.G1).Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: trailing bytes", ErrInvalidSignature)
	}
	return nil
}

// ValidatePublicKey checks that a hex encoded key is a non-identity BN254 G2 point.
func ValidatePublicKey(s string) error {
	raw, err := decodeHex(s)
	if err != nil {
		return fmt.Errorf("beacon: public key: %w", err)
	}
	if len(raw) != g2Size {
		return fmt.Errorf("beacon: public key: %v: %d bytes", errShort, len(raw))
	}
	allZero := true
	for _, b := range raw {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return errors.New("beacon: public key is the identity")
	}
	if _, err := new(bn256.G2).Unmarshal(raw); err != nil {
		return fmt.Errorf("beacon: public key: %w", err)
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if s == "" {
		return nil, errors.New("empty hex string")
	}
	return hex.DecodeString(s)
}
