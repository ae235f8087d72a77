package atick

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// payloadOffset skips the header/type byte of the manufacturer payload.
	payloadOffset = 1

	// payloadLen is the obfuscated body: two shuffled float32 values.
	payloadLen = 8

	// minAdvertisementLen is header plus body.
	minAdvertisementLen = payloadOffset + payloadLen

	macLen = 6
)

// Counters is a pair of readings, in cubic meters for values.
type Counters struct {
	A float64 `json:"a" yaml:"a"`
	B float64 `json:"b" yaml:"b"`
}

// Sum returns A+B.
func (c Counters) Sum() float64 {
	return c.A + c.B
}

// DecodeErrorKind classifies why an advertisement could not be decoded.
type DecodeErrorKind int

const (
	DecodeShortPayload DecodeErrorKind = iota + 1
	DecodeInvalidPIN
	DecodeInvalidMAC
	DecodeNonFinite
)

func (k DecodeErrorKind) String() string {
	switch k {
	case DecodeShortPayload:
		return "short_payload"
	case DecodeInvalidPIN:
		return "invalid_pin"
	case DecodeInvalidMAC:
		return "invalid_mac"
	case DecodeNonFinite:
		return "non_finite"
	default:
		return "unknown"
	}
}

// DecodeError carries the provenance of a failed decode. Decode coalesces it
// to the zero pair; DecodePayload returns it for logging.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode advertisement: %s: %s", e.Kind, e.Detail)
}

// Decode recovers the counter pair from a manufacturer payload. It never fails:
// any problem yields the zero pair, which ShouldAccept later rejects.
func Decode(raw []byte, pin, mac string) Counters {
	c, err := DecodePayload(raw, pin, mac)
	if err != nil {
		return Counters{}
	}
	return c
}

// DecodePayload is Decode with the failure reason preserved.
func DecodePayload(raw []byte, pin, mac string) (Counters, error) {
	if len(raw) < minAdvertisementLen {
		return Counters{}, &DecodeError{
			Kind:   DecodeShortPayload,
			Detail: fmt.Sprintf("got %d bytes, need %d", len(raw), minAdvertisementLen),
		}
	}

	key, err := DeriveKey(mac, pin)
	if err != nil {
		return Counters{}, err
	}

	var body [payloadLen]byte
	for i := range body {
		body[i] = raw[payloadOffset+i] ^ key
	}

	a := unshuffleFloat(body[0:4])
	b := unshuffleFloat(body[4:8])
	if !isFinite(a) || !isFinite(b) {
		return Counters{}, &DecodeError{
			Kind:   DecodeNonFinite,
			Detail: fmt.Sprintf("decoded (%v, %v)", a, b),
		}
	}

	return Counters{A: round2(a), B: round2(b)}, nil
}

// DeriveKey computes the single-byte XOR key: the two's-complement negation of
// the byte sum of the six MAC octets and the four low bytes of the PIN.
func DeriveKey(mac, pin string) (byte, error) {
	octets, err := parseMAC(mac)
	if err != nil {
		return 0, err
	}

	pinValue, err := strconv.ParseUint(pin, 10, 64)
	if err != nil {
		return 0, &DecodeError{Kind: DecodeInvalidPIN, Detail: fmt.Sprintf("%q is not numeric", pin)}
	}

	var acc byte
	for _, o := range octets {
		acc += o
	}
	for shift := 0; shift < 32; shift += 8 {
		acc += byte(pinValue >> shift)
	}

	return (acc ^ 0xff) + 1, nil
}

// EncodePayload is the inverse of DecodePayload: it shuffles and obfuscates the
// float32 pair behind the given header byte. Meter simulators and tests use it.
func EncodePayload(a, b float32, header byte, pin, mac string) ([]byte, error) {
	key, err := DeriveKey(mac, pin)
	if err != nil {
		return nil, err
	}

	out := make([]byte, minAdvertisementLen)
	out[0] = header
	shuffleFloat(out[payloadOffset:payloadOffset+4], a)
	shuffleFloat(out[payloadOffset+4:payloadOffset+8], b)
	for i := payloadOffset; i < len(out); i++ {
		out[i] ^= key
	}
	return out, nil
}

// parseMAC accepts colon, dash or bare separated hex octets.
func parseMAC(mac string) ([macLen]byte, error) {
	var octets [macLen]byte

	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(mac))
	if len(clean) != macLen*2 {
		return octets, &DecodeError{Kind: DecodeInvalidMAC, Detail: fmt.Sprintf("%q is not a 6-octet address", mac)}
	}
	if _, err := hex.Decode(octets[:], []byte(clean)); err != nil {
		return octets, &DecodeError{Kind: DecodeInvalidMAC, Detail: fmt.Sprintf("%q: %v", mac, err)}
	}
	return octets, nil
}

// unshuffleFloat reorders [0,1,2,3] to [2,3,0,1] and reads a little-endian float32.
func unshuffleFloat(group []byte) float64 {
	ordered := [4]byte{group[2], group[3], group[0], group[1]}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(ordered[:])))
}

func shuffleFloat(dst []byte, v float32) {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], math.Float32bits(v))
	dst[0], dst[1], dst[2], dst[3] = le[2], le[3], le[0], le[1]
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// round2 rounds to two decimal places.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
