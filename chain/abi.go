// Package chain is the relay's view of the settlement contracts: calldata codecs, a signing
// transactor per chain and the settlement operations built on top of them.
package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const rollupSettlerABI = `[
  {"type":"function","name":"send","stateMutability":"nonpayable","inputs":[
    {"name":"fillDeadline","type":"uint32"},
    {"name":"fromToken","type":"address"},
    {"name":"toToken","type":"address"},
    {"name":"recipient","type":"address"},
    {"name":"amountIn","type":"uint256"},
    {"name":"minAmountOut","type":"uint256"},
    {"name":"destination","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"fulfil","stateMutability":"nonpayable","inputs":[
    {"name":"fillDeadline","type":"uint32"},
    {"name":"fromToken","type":"address"},
    {"name":"toToken","type":"address"},
    {"name":"sender","type":"address"},
    {"name":"recipient","type":"address"},
    {"name":"amountIn","type":"uint256"},
    {"name":"minAmountOut","type":"uint256"},
    {"name":"source","type":"uint256"},
    {"name":"nonce","type":"uint32"},
    {"name":"proof","type":"bytes32[32]"}],"outputs":[]},
  {"type":"function","name":"updateRollupOrderRoot","stateMutability":"nonpayable","inputs":[
    {"name":"chainId","type":"uint256"},
    {"name":"root","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"orderRoot","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"bytes32"}]}
]`

const nexusSettlerABI = `[
  {"type":"function","name":"updateRollupOrderRoot","stateMutability":"nonpayable","inputs":[
    {"name":"chainId","type":"uint256"},
    {"name":"root","type":"bytes32"}],"outputs":[]}
]`

const mockERC20ABI = `[
  {"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[
    {"name":"to","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
    {"name":"spender","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},
    {"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// ProofLength is the fixed proof size the settlement contracts accept.
const ProofLength = 32

var (
	RollupSettlerABI = mustParseABI(rollupSettlerABI)
	NexusSettlerABI  = mustParseABI(nexusSettlerABI)
	MockERC20ABI     = mustParseABI(mockERC20ABI)
)

var (
	ErrNotSendCall = errors.New("chain: calldata is not a send call")
	ErrReverted    = errors.New("chain: transaction reverted")
	ErrNoOrderLog  = errors.New("chain: receipt has no order hash log")
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
