package wire

import "errors"

// RoundingMode selects the rounding direction for lossy conversions.
// Reservations round up (the tenant can always afford the commit) and
// commits round down (the house never overcharges).
type RoundingMode int

const (
	RoundCeil RoundingMode = iota
	RoundFloor
)

const microPerUSD = 1_000_000

var ErrInvalidRate = errors.New("wire: conversion rate must be positive")

// MicroUSDToCreditUnits converts micro-USD to credit units at the given
// creditUnitsPerUSD rate with an explicit rounding mode.
//
// result = microUSD * creditUnitsPerUSD / 1_000_000
//
// For negative values RoundCeil yields -floor(|product| / divisor): a
// deficit reservation still rounds away from the tenant's favor.
func MicroUSDToCreditUnits(m MicroUSD, creditUnitsPerUSD int64, mode RoundingMode) (CreditUnit, error) {
	if creditUnitsPerUSD <= 0 {
		return CreditUnit{}, ErrInvalidRate
	}

	product, err := mulCheck(m.v, creditUnitsPerUSD)
	if err != nil {
		return CreditUnit{}, err
	}

	q, r := product/microPerUSD, product%microPerUSD
	if r == 0 {
		return CreditUnit{q}, nil
	}

	switch mode {
	case RoundCeil:
		if product > 0 {
			q++
		}
	case RoundFloor:
		if product < 0 {
			q--
		}
	}
	return CreditUnit{q}, nil
}

// CreditUnitsToMicroUSD converts credit units back to micro-USD at the given
// rate. Used by the conservation checker to cross-check commit postings
// against the rate frozen at reserve time.
func CreditUnitsToMicroUSD(c CreditUnit, creditUnitsPerUSD int64, mode RoundingMode) (MicroUSD, error) {
	if creditUnitsPerUSD <= 0 {
		return MicroUSD{}, ErrInvalidRate
	}

	product, err := mulCheck(c.v, microPerUSD)
	if err != nil {
		return MicroUSD{}, err
	}

	q, r := product/creditUnitsPerUSD, product%creditUnitsPerUSD
	if r == 0 {
		return MicroUSD{q}, nil
	}

	switch mode {
	case RoundCeil:
		if product > 0 {
			q++
		}
	case RoundFloor:
		if product < 0 {
			q--
		}
	}
	return MicroUSD{q}, nil
}
