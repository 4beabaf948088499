package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/unicitynetwork/otcbroker/chain"
	"github.com/unicitynetwork/otcbroker/log"
	"github.com/unicitynetwork/otcbroker/types"
)

// The broker contract splits an escrow balance into recipient, fee and
// payback transfers atomically. swap and revert share the same signature;
// revert waives the fee by passing a zero fee amount.
const brokerABIJSON = `[
	{"name":"swap","type":"function","stateMutability":"payable","inputs":[
		{"name":"token","type":"address"},
		{"name":"recipient","type":"address"},{"name":"recipientAmount","type":"uint256"},
		{"name":"fee","type":"address"},{"name":"feeAmount","type":"uint256"},
		{"name":"payback","type":"address"},{"name":"paybackAmount","type":"uint256"}],"outputs":[]},
	{"name":"revert","type":"function","stateMutability":"payable","inputs":[
		{"name":"token","type":"address"},
		{"name":"recipient","type":"address"},{"name":"recipientAmount","type":"uint256"},
		{"name":"fee","type":"address"},{"name":"feeAmount","type":"uint256"},
		{"name":"payback","type":"address"},{"name":"paybackAmount","type":"uint256"}],"outputs":[]}
]`

var brokerABI abi.ABI

func init() {
	var err error
	brokerABI, err = abi.JSON(strings.NewReader(brokerABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse broker abi: %v", err))
	}
}

// ApproveBrokerForERC20 grants the broker contract an unlimited allowance on
// the token from the escrow. Required once per (escrow, token) before a
// broker-contract swap of an ERC-20 asset.
func (a *Adapter) ApproveBrokerForERC20(ctx context.Context, from, token string) (*types.SubmittedTx, error) {
	if (a.opts.BrokerContract == common.Address{}) {
		return nil, fmt.Errorf("%w: no broker contract on %s", chain.ErrNotSupported, a.opts.ChainID)
	}
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	key, err := a.key(from)
	if err != nil {
		return nil, err
	}
	nonce, err := a.client.PendingNonceAt(ctx, common.HexToAddress(from))
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	maxAllowance := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	data, err := packERC20Approve(a.opts.BrokerContract, maxAllowance)
	if err != nil {
		return nil, err
	}
	tokenAddr := common.HexToAddress(token)
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &tokenAddr,
		Value:    common.Big0,
		Gas:      gasLimitERC20,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, a.signer, key)
	if err != nil {
		return nil, fmt.Errorf("sign approve: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broadcast approve: %w", err)
	}
	log.Debugw("erc20 approve broadcast", "chain", a.opts.ChainID, "txid", signed.Hash().Hex(), "token", token)
	return &types.SubmittedTx{
		TxID:        signed.Hash().Hex(),
		SubmittedAt: time.Now().UTC(),
		Nonce:       &nonce,
		GasPrice:    types.BigIntFrom(gasPrice),
	}, nil
}

// SwapViaBroker executes the three-way split through the broker contract.
func (a *Adapter) SwapViaBroker(ctx context.Context, params *chain.BrokerParams) (*types.SubmittedTx, error) {
	return a.callBroker(ctx, "swap", params)
}

// RevertViaBroker returns the escrow balance through the broker contract.
func (a *Adapter) RevertViaBroker(ctx context.Context, params *chain.BrokerParams) (*types.SubmittedTx, error) {
	return a.callBroker(ctx, "revert", params)
}

func (a *Adapter) callBroker(ctx context.Context, method string, params *chain.BrokerParams) (*types.SubmittedTx, error) {
	if (a.opts.BrokerContract == common.Address{}) {
		return nil, fmt.Errorf("%w: no broker contract on %s", chain.ErrNotSupported, a.opts.ChainID)
	}
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	key, err := a.key(params.From)
	if err != nil {
		return nil, err
	}
	if params.Nonce == nil {
		return nil, fmt.Errorf("nonce required for broker %s", method)
	}
	gasPrice := params.GasPrice.MathBigInt()
	if params.GasPrice == nil {
		if gasPrice, err = a.client.SuggestGasPrice(ctx); err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
	}

	// Native swaps fund the split through msg.value; token swaps through
	// the pre-approved allowance.
	token := common.Address{}
	value := new(big.Int)
	if contract, ok := a.tokenContract(params.Asset); ok {
		token = contract
	} else {
		total := params.RecipientA.Add(params.FeeA).Add(params.PaybackA)
		value = a.toUnits(params.Asset, total)
	}
	data, err := brokerABI.Pack(method,
		token,
		common.HexToAddress(params.Recipient), a.toUnits(params.Asset, params.RecipientA),
		common.HexToAddress(params.Fee), a.toUnits(params.Asset, params.FeeA),
		common.HexToAddress(params.Payback), a.toUnits(params.Asset, params.PaybackA),
	)
	if err != nil {
		return nil, fmt.Errorf("pack broker %s: %w", method, err)
	}
	contract := a.opts.BrokerContract
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    *params.Nonce,
		To:       &contract,
		Value:    value,
		Gas:      gasLimitBroker,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, a.signer, key)
	if err != nil {
		return nil, fmt.Errorf("sign broker %s: %w", method, err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broadcast broker %s: %w", method, err)
	}
	log.Debugw("broker call broadcast",
		"chain", a.opts.ChainID, "method", method, "txid", signed.Hash().Hex())
	return &types.SubmittedTx{
		TxID:        signed.Hash().Hex(),
		SubmittedAt: time.Now().UTC(),
		Nonce:       params.Nonce,
		GasPrice:    types.BigIntFrom(gasPrice),
	}, nil
}
