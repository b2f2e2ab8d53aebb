package model

import (
	"github.com/ethereum/go-ethereum/common"
)

// User is the authenticated caller of the HTTP API.
type User struct {
	// Subject is the JWT subject, used as the nonce partition requester
	Subject string
	// Address is set when the subject is an EOA address
	Address *common.Address
}

func NewUser(subject string) *User {
	u := &User{Subject: subject}
	if common.IsHexAddress(subject) {
		addr := common.HexToAddress(subject)
		u.Address = &addr
	}
	return u
}
