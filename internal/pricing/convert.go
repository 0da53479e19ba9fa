package pricing

import (
	"errors"
	"math"
	"math/big"
)

// winstonPerToken is the number of winston in one whole chain token.
const winstonPerToken = 1_000_000_000_000

var (
	// ErrOverflow occurs when a conversion result exceeds uint64 capacity.
	ErrOverflow = errors.New("pricing: conversion overflow")

	// ErrRateInvalid occurs when the FX endpoint returns an unusable rate.
	ErrRateInvalid = errors.New("pricing: invalid exchange rate")

	// ErrUnavailable occurs when no FX rate can be served, fresh or stale.
	ErrUnavailable = errors.New("pricing: exchange rate unavailable")
)

// stableForWinston converts a winston amount into atomic stable-token units
// at the given USD rate and applies the bundler fee on top. Fractional
// results round up so a quote never undercharges the chain cost.
//
// Intermediate math runs on big.Rat: winston counts and the fee multiplier
// both overflow float64 precision at the high end, and rounding direction
// must be exact.
func stableForWinston(winston uint64, usdPerToken float64, decimals int, feePercent int64) (uint64, error) {
	rate := new(big.Rat).SetFloat64(usdPerToken)
	if rate == nil || rate.Sign() <= 0 {
		return 0, ErrRateInvalid
	}
	if feePercent < 0 {
		feePercent = 0
	}

	// tokens = winston / winstonPerToken
	r := new(big.Rat).SetFrac(new(big.Int).SetUint64(winston), big.NewInt(winstonPerToken))
	// usd = tokens * rate
	r.Mul(r, rate)
	// atomic = usd * 10^decimals, then the fee markup
	r.Mul(r, new(big.Rat).SetInt(pow10(decimals)))
	r.Mul(r, big.NewRat(100+feePercent, 100))

	atomic := ratCeil(r)
	if !atomic.IsUint64() {
		return 0, ErrOverflow
	}
	return atomic.Uint64(), nil
}

// winstonForStable converts atomic stable-token units into winston at the
// given USD rate. No fee is applied: this is the raw FX equivalence used to
// record what a settled payment bought. Rounds down.
func winstonForStable(atomic uint64, usdPerToken float64, decimals int) (uint64, error) {
	rate := new(big.Rat).SetFloat64(usdPerToken)
	if rate == nil || rate.Sign() <= 0 {
		return 0, ErrRateInvalid
	}

	// usd = atomic / 10^decimals
	r := new(big.Rat).SetFrac(new(big.Int).SetUint64(atomic), pow10(decimals))
	// tokens = usd / rate
	r.Quo(r, rate)
	// winston = tokens * winstonPerToken
	r.Mul(r, big.NewRat(winstonPerToken, 1))

	winston := new(big.Int).Quo(r.Num(), r.Denom())
	if !winston.IsUint64() {
		return 0, ErrOverflow
	}
	return winston.Uint64(), nil
}

// ProportionalRefund returns the share of amount covering bytes that were
// declared but never uploaded. Rounds down so a refund never exceeds the
// unused share.
func ProportionalRefund(amount uint64, declaredBytes, actualBytes int64) uint64 {
	if declaredBytes <= 0 || actualBytes >= declaredBytes {
		return 0
	}
	if actualBytes < 0 {
		actualBytes = 0
	}
	refund := new(big.Int).SetUint64(amount)
	refund.Mul(refund, big.NewInt(declaredBytes-actualBytes))
	refund.Quo(refund, big.NewInt(declaredBytes))
	if !refund.IsUint64() {
		return amount
	}
	if r := refund.Uint64(); r <= amount {
		return r
	}
	return amount
}

func ratCeil(r *big.Rat) *big.Int {
	q, rem := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if rem.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func pow10(n int) *big.Int {
	if n < 0 {
		n = 0
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func validRate(rate float64) bool {
	return rate > 0 && !math.IsNaN(rate) && !math.IsInf(rate, 0)
}
