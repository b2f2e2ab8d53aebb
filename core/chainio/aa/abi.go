package aa

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	entryPointABIJSON = `[
		{"inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"name":"getNonce","outputs":[{"name":"nonce","type":"uint256"}],"stateMutability":"view","type":"function"}
	]`

	simpleAccountABIJSON = `[
		{"inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"name":"execute","outputs":[],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"dest","type":"address[]"},{"name":"func","type":"bytes[]"}],"name":"executeBatch","outputs":[],"stateMutability":"nonpayable","type":"function"}
	]`

	// executeBatch with per call values, same function name with a different selector
	valueBatchABIJSON = `[
		{"inputs":[{"name":"dest","type":"address[]"},{"name":"value","type":"uint256[]"},{"name":"func","type":"bytes[]"}],"name":"executeBatch","outputs":[],"stateMutability":"nonpayable","type":"function"}
	]`

	ownerSaltFactoryABIJSON = `[
		{"inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"name":"createAccount","outputs":[{"name":"ret","type":"address"}],"stateMutability":"nonpayable","type":"function"},
		{"inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"name":"getAddress","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
	]`

	ownersArrayFactoryABIJSON = `[
		{"inputs":[{"name":"owners","type":"bytes[]"},{"name":"nonce","type":"uint256"}],"name":"createAccount","outputs":[{"name":"account","type":"address"}],"stateMutability":"payable","type":"function"},
		{"inputs":[{"name":"owners","type":"bytes[]"},{"name":"nonce","type":"uint256"}],"name":"getAddress","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
	]`

	erc20ABIJSON = `[
		{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
	]`
)

var (
	entryPointABI         = mustParseABI("entrypoint", entryPointABIJSON)
	simpleAccountABI      = mustParseABI("simple account", simpleAccountABIJSON)
	valueBatchABI         = mustParseABI("value batch", valueBatchABIJSON)
	ownerSaltFactoryABI   = mustParseABI("owner salt factory", ownerSaltFactoryABIJSON)
	ownersArrayFactoryABI = mustParseABI("owners array factory", ownersArrayFactoryABIJSON)
	erc20ABI              = mustParseABI("erc20", erc20ABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("Invalid %s ABI: %w", name, err))
	}
	return parsed
}
