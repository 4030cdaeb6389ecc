package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	MethodMint          = "mint"
	MethodBalanceOf     = "balanceOf"
	MethodSafeTransfer  = "safeTransferFrom"
	MethodExchange      = "exchangeWave"
	MethodSetApproval   = "setApprovalForAll"
	MethodIsApprovedAll = "isApprovedForAll"
)

// wavesTokenABI is the subset of the WavesERC1155Token interface the gateway uses.
const wavesTokenABI = `[
  {"type":"function","name":"mint","stateMutability":"nonpayable",
   "inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"exchangeWave","stateMutability":"nonpayable",
   "inputs":[{"name":"partyA","type":"address"},{"name":"partyB","type":"address"},{"name":"tokenA","type":"uint256"},{"name":"tokenB","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"setApprovalForAll","stateMutability":"nonpayable",
   "inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],
   "outputs":[]},
  {"type":"function","name":"isApprovedForAll","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"},{"name":"operator","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

// WavesTokenABI returns the parsed contract ABI.
func WavesTokenABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(wavesTokenABI))
}
