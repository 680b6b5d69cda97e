package core

import (
	"crypto/sha256"
	"encoding/binary"

	"CDPLedger/internal/event"
	"CDPLedger/internal/protocol"
)

const GenesisHashSeed = "CDPLedger:genesis:v1"

// noKind marks protocol-wide commands in a link.
const noKind = 0xff

// Link is one committed command as the chain sees it.
type Link struct {
	Sequence    uint64
	CommandType event.CommandType
	Kind        *protocol.CollateralKind
	Timestamp   int64
	Key         string
	// StateDigest covers the journal batch and every subsystem's state.
	StateDigest []byte
}

// Chain links each command's state hash to the one before it.
type Chain struct {
	tip [32]byte
}

func NewChain() *Chain {
	return &Chain{tip: GenesisHash()}
}

// GenesisHash is the chain tip before the first command.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// Append computes
//
//	hash[N] = SHA-256(hash[N-1] || seq || type || kind || ts || len(key) || key || digest)
//
// with integers little-endian, and makes it the new tip.
func (c *Chain) Append(l Link) [32]byte {
	h := sha256.New()
	h.Write(c.tip[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], l.Sequence)
	h.Write(buf[:])

	binary.LittleEndian.PutUint32(buf[:4], uint32(l.CommandType))
	h.Write(buf[:4])

	kind := byte(noKind)
	if l.Kind != nil {
		kind = byte(*l.Kind)
	}
	h.Write([]byte{kind})

	binary.LittleEndian.PutUint64(buf[:], uint64(l.Timestamp))
	h.Write(buf[:])

	binary.LittleEndian.PutUint32(buf[:4], uint32(len(l.Key)))
	h.Write(buf[:4])
	h.Write([]byte(l.Key))

	h.Write(l.StateDigest)

	copy(c.tip[:], h.Sum(nil))
	return c.tip
}

func (c *Chain) Tip() [32]byte { return c.tip }

// Reset moves the tip, used when restoring from a snapshot.
func (c *Chain) Reset(tip [32]byte) { c.tip = tip }
