package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Minimal ERC-20 surface: transfer and approve are the only calls the broker
// makes against token contracts.
const erc20ABIJSON = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	erc20ABI           abi.ABI
	transferEventTopic = common.BytesToHash(crypto.Keccak256([]byte("Transfer(address,address,uint256)")))
)

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
}

func packERC20Transfer(to common.Address, value *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("transfer", to, value)
	if err != nil {
		return nil, fmt.Errorf("pack erc20 transfer: %w", err)
	}
	return data, nil
}

func packERC20Approve(spender common.Address, value *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("approve", spender, value)
	if err != nil {
		return nil, fmt.Errorf("pack erc20 approve: %w", err)
	}
	return data, nil
}
