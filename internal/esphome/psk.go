package esphome

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// NoisePSKSize is the length of a decoded pre-shared key.
const NoisePSKSize = 32

// DecodeNoisePSK decodes a padded base64 key and checks its length. Only the
// base64 alphabet is accepted. Unused trailing bits may be non-zero.
func DecodeNoisePSK(psk string) ([]byte, error) {
	if strings.ContainsAny(psk, "\r\n") {
		return nil, fmt.Errorf("%w: line breaks in key", ErrInvalidPSK)
	}
	key, err := base64.StdEncoding.DecodeString(psk)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPSK, err)
	}
	if len(key) != NoisePSKSize {
		return nil, fmt.Errorf("%w: decoded to %d bytes, want %d", ErrInvalidPSK, len(key), NoisePSKSize)
	}
	return key, nil
}
