package nonce

import (
	"encoding/binary"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultPartitionWindow is the coarse time bucket mixed into derived keys.
const DefaultPartitionWindow = time.Minute

// DeriveKey maps a stable purpose identifier to a 192 bit nonce key:
// the first 24 bytes of keccak256(requester || bucket) where bucket = at / window.
// The same requester within one window always lands on the same key.
func DeriveKey(requester string, at time.Time, window time.Duration) *big.Int {
	if window <= 0 {
		window = DefaultPartitionWindow
	}

	bucket := make([]byte, 8)
	binary.BigEndian.PutUint64(bucket, uint64(at.UnixNano()/int64(window)))

	h := crypto.Keccak256([]byte(requester), bucket)
	return new(big.Int).SetBytes(h[:24])
}
