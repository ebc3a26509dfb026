package dht

import (
	"encoding/binary"
	"math"

	"golang.org/x/crypto/blake2b"

	"github.com/montana2ab/myriadmesh/node/pkg/identity"
)

// RequiredPoWDifficulty is REQUIRED_POW_DIFFICULTY (§6.5): the minimum
// number of leading zero bits a valid proof must exhibit.
const RequiredPoWDifficulty = 16

// powHash computes BLAKE2b-512(node_id ‖ nonce_LE) (§4.F).
func powHash(nodeId identity.NodeId, nonce uint64) []byte {
	h, _ := blake2b.New512(nil)
	h.Write(nodeId.Bytes())
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])
	return h.Sum(nil)
}

// leadingZeroBits counts the leading zero bits of data.
func leadingZeroBits(data []byte) int {
	count := 0
	for _, b := range data {
		if b == 0 {
			count += 8
			continue
		}
		count += bitsLeadingZero(b)
		break
	}
	return count
}

func bitsLeadingZero(b byte) int {
	n := 0
	for mask := byte(0x80); mask != 0 && b&mask == 0; mask >>= 1 {
		n++
	}
	return n
}

// ComputePoW brute-forces a nonce, starting at zero, such that
// verify_pow(node_id, nonce) succeeds (§4.F).
func ComputePoW(nodeId identity.NodeId) uint64 {
	for nonce := uint64(0); nonce < math.MaxUint64; nonce++ {
		if leadingZeroBits(powHash(nodeId, nonce)) >= RequiredPoWDifficulty {
			return nonce
		}
	}
	return 0
}

// VerifyPoW recomputes the hash and checks the leading-zero-bit threshold.
func VerifyPoW(nodeId identity.NodeId, nonce uint64) bool {
	return leadingZeroBits(powHash(nodeId, nonce)) >= RequiredPoWDifficulty
}
