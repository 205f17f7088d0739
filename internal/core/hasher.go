package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed seeds the chain of a fresh vault.
const GenesisHashSeed = "PerpVault:genesis:v1"

// StateHasher chains the digest of the state after every applied command:
//
//	hash[n] = SHA-256(hash[n-1] || n (8 bytes BE) || len(call) (2 bytes BE) || call || digest[n])
//
// Binding the call name means two commands reaching the same state still
// produce different chains.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: sha256.Sum256([]byte(GenesisHashSeed))}
}

// Next extends the chain with the state digest reached by call at sequence.
func (h *StateHasher) Next(sequence int64, call string, digest []byte) [32]byte {
	var buf [8]byte
	w := sha256.New()
	w.Write(h.tip[:])
	binary.BigEndian.PutUint64(buf[:], uint64(sequence))
	w.Write(buf[:])
	binary.BigEndian.PutUint16(buf[:2], uint16(len(call)))
	w.Write(buf[:2])
	w.Write([]byte(call))
	w.Write(digest)
	w.Sum(h.tip[:0])
	return h.tip
}

// Tip is the hash of the last applied command.
func (h *StateHasher) Tip() [32]byte { return h.tip }

// Reset moves the tip, used when restoring a snapshot.
func (h *StateHasher) Reset(tip [32]byte) { h.tip = tip }
