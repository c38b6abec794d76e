package imgdig

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const Bytes = sha256.Size

type (
	// Digest identifies a firmware image. Images carry one appended after
	// the last segment, and the app descriptor embeds one for the elf.
	Digest [Bytes]byte
)

var Zero Digest

func FromData(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

// Note len(b) must be at least Bytes or this will panic.
func FromBytes(b []byte) (dig Digest) {
	copy(dig[:], b[:Bytes])
	return
}

func Parse(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, err
	} else if len(b) != Bytes {
		return Zero, fmt.Errorf("digest must be %d hex bytes, got %d", Bytes, len(b))
	}
	return FromBytes(b), nil
}

func (dig Digest) String() string {
	return hex.EncodeToString(dig[:])
}

func (dig Digest) Check(b []byte) error {
	if got := FromData(b); got != dig {
		return fmt.Errorf("image digest mismatch %s != %s", got, dig)
	}
	return nil
}
