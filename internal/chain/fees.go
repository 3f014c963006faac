package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// defaultPriorityFee mirrors the 1 gwei tip used when a node cannot suggest one.
var defaultPriorityFee = big.NewInt(1_000_000_000)

// FeeData is what the network reported about current pricing. Any field may be nil.
type FeeData struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// FeeModel is one of LegacyFee, DynamicFee or FallbackFee. The unexported
// method keeps the set closed.
type FeeModel interface {
	Name() string
	newTx(chainID *big.Int, nonce uint64, to common.Address, value *big.Int, gas uint64) *types.Transaction
}

// LegacyFee prices a transaction with the single gas price the network reported.
type LegacyFee struct {
	GasPrice *big.Int
}

func (LegacyFee) Name() string { return "legacy" }

func (f LegacyFee) newTx(_ *big.Int, nonce uint64, to common.Address, value *big.Int, gas uint64) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: new(big.Int).Set(f.GasPrice),
		Gas:      gas,
		To:       &to,
		Value:    value,
	})
}

// DynamicFee prices a transaction with a base-fee cap and a priority tip.
type DynamicFee struct {
	GasFeeCap *big.Int
	GasTipCap *big.Int
}

func (DynamicFee) Name() string { return "dynamic" }

func (f DynamicFee) newTx(chainID *big.Int, nonce uint64, to common.Address, value *big.Int, gas uint64) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: new(big.Int).Set(f.GasTipCap),
		GasFeeCap: new(big.Int).Set(f.GasFeeCap),
		Gas:       gas,
		To:        &to,
		Value:     value,
	})
}

// FallbackFee is the fixed conservative price used when the network reports nothing usable.
type FallbackFee struct {
	GasPrice *big.Int
}

func (FallbackFee) Name() string { return "fallback" }

func (f FallbackFee) newTx(chainID *big.Int, nonce uint64, to common.Address, value *big.Int, gas uint64) *types.Transaction {
	return LegacyFee(f).newTx(chainID, nonce, to, value, gas)
}

// SelectFeeModel prefers a reported legacy gas price, then an EIP-1559 pair,
// then the fallback price.
func SelectFeeModel(data FeeData, fallback *big.Int) FeeModel {
	if positive(data.GasPrice) {
		return LegacyFee{GasPrice: data.GasPrice}
	}
	if positive(data.MaxFeePerGas) && data.MaxPriorityFeePerGas != nil && data.MaxPriorityFeePerGas.Sign() >= 0 {
		return DynamicFee{GasFeeCap: data.MaxFeePerGas, GasTipCap: data.MaxPriorityFeePerGas}
	}
	return FallbackFee{GasPrice: fallback}
}

// dynamicFeeCap follows the common 2*baseFee + tip headroom rule.
func dynamicFeeCap(baseFee, tip *big.Int) *big.Int {
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	return feeCap.Add(feeCap, tip)
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
