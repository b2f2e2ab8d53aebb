package aa

import (
	"github.com/ethereum/go-ethereum/common"
)

var (
	// EntryPoint v0.6
	EntrypointAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

	// SimpleAccountFactory, single owner + salt
	SimpleAccountFactoryAddress = common.HexToAddress("0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e7")

	// CoinbaseSmartWalletFactory, owners array + nonce used as salt
	SmartWalletFactoryAddress = common.HexToAddress("0x0BA5ED0c6AA8c49038F819E587E2633c4A9F428a")
)
