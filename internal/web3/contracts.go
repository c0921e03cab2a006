package web3

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
 {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

const erc721ABI = `[
 {"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]}
]`

// lendingPoolABI follows the Aave v3 pool entry points.
const lendingPoolABI = `[
 {"type":"function","name":"supply","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],"outputs":[]},
 {"type":"function","name":"repay","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"onBehalfOf","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// VariableRateMode 是借贷池 repay 使用的浮动利率模式。
const VariableRateMode = 2

var (
	ERC20ABI       = mustParseABI(erc20ABI)
	ERC721ABI      = mustParseABI(erc721ABI)
	LendingPoolABI = mustParseABI(lendingPoolABI)
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// PackERC20Transfer 编码 transfer(address,uint256) 调用数据。
func PackERC20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	return ERC20ABI.Pack("transfer", to, amount)
}

// PackERC721Transfer 编码 safeTransferFrom(address,address,uint256) 调用数据。
func PackERC721Transfer(from, to common.Address, tokenID *big.Int) ([]byte, error) {
	return ERC721ABI.Pack("safeTransferFrom", from, to, tokenID)
}

// PackLendingSupply 编码借贷池 supply 调用数据。
func PackLendingSupply(asset common.Address, amount *big.Int, onBehalfOf common.Address) ([]byte, error) {
	return LendingPoolABI.Pack("supply", asset, amount, onBehalfOf, uint16(0))
}

// PackLendingRepay 编码借贷池 repay 调用数据。
func PackLendingRepay(asset common.Address, amount *big.Int, onBehalfOf common.Address) ([]byte, error) {
	return LendingPoolABI.Pack("repay", asset, amount, big.NewInt(VariableRateMode), onBehalfOf)
}
