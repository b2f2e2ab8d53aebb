package schema

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key layout
//
//	n:<sender>:<key>        nonce counter, last issued sequence for (sender, key)
//	s:<idempotency key>     submission record
//	p:<idempotency key>     index of submissions still pending
//	r:<owner>:<bookkeeping> verified (scheme, salt) of a bookkeeping address

func NonceCounterKey(sender common.Address, key *big.Int) []byte {
	if key == nil {
		key = big.NewInt(0)
	}
	return []byte(fmt.Sprintf("n:%s:%s", strings.ToLower(sender.Hex()), key.Text(16)))
}

func SubmissionKey(idempotencyKey string) []byte {
	return []byte(fmt.Sprintf("s:%s", idempotencyKey))
}

func PendingSubmissionKey(idempotencyKey string) []byte {
	return []byte(fmt.Sprintf("p:%s", idempotencyKey))
}

func PendingSubmissionPrefix() string {
	return "p:"
}

// IdempotencyKeyFromPending extracts the idempotency key from a pending index key
func IdempotencyKeyFromPending(key string) string {
	return strings.TrimPrefix(key, PendingSubmissionPrefix())
}

func ResolutionKey(owner common.Address, bookkeeping common.Address) []byte {
	return []byte(fmt.Sprintf("r:%s:%s", strings.ToLower(owner.Hex()), strings.ToLower(bookkeeping.Hex())))
}
