package wire

import (
	"errors"
	"unicode"
)

var (
	ErrEmptyAccountID = errors.New("wire: account id must be non-empty")
	ErrAccountIDSpace = errors.New("wire: account id must not contain whitespace")
	ErrEmptyPoolID    = errors.New("wire: pool id must be non-empty")
)

// AccountID identifies a billing account. Non-empty, whitespace-free.
type AccountID struct{ s string }

// NewAccountID validates and brands an account identifier.
func NewAccountID(s string) (AccountID, error) {
	if s == "" {
		return AccountID{}, ErrEmptyAccountID
	}
	for _, r := range s {
		if unicode.IsSpace(r) {
			return AccountID{}, ErrAccountIDSpace
		}
	}
	return AccountID{s}, nil
}

func (a AccountID) String() string { return a.s }
func (a AccountID) IsZero() bool   { return a.s == "" }

// PoolID is a symbolic model-pool identifier. Membership in the closed pool
// set is enforced by the pool registry, not here; this brand only guarantees
// the string is non-empty.
type PoolID struct{ s string }

func NewPoolID(s string) (PoolID, error) {
	if s == "" {
		return PoolID{}, ErrEmptyPoolID
	}
	return PoolID{s}, nil
}

// MustPoolID brands a compile-time-constant pool name. Panics on empty input
// so misuse fails at init, never at request time.
func MustPoolID(s string) PoolID {
	p, err := NewPoolID(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p PoolID) String() string { return p.s }
func (p PoolID) IsZero() bool   { return p.s == "" }
