package models

import (
	"fmt"
	"strconv"
	"time"
)

// ParseOCCSymbol decodes a 21-character OCC option symbol, e.g.
// "QQQ270115C00450000": padded root, yymmdd expiration, right, strike*1000.
func ParseOCCSymbol(symbol string) (OptionContract, error) {
	if len(symbol) < 16 {
		return OptionContract{}, fmt.Errorf("occ symbol %q too short", symbol)
	}

	tail := symbol[len(symbol)-15:]
	root := symbol[:len(symbol)-15]
	for len(root) > 0 && root[len(root)-1] == ' ' {
		root = root[:len(root)-1]
	}
	if root == "" {
		return OptionContract{}, fmt.Errorf("occ symbol %q has no root", symbol)
	}

	exp, err := time.Parse("060102", tail[:6])
	if err != nil {
		return OptionContract{}, fmt.Errorf("occ symbol %q: bad expiration: %w", symbol, err)
	}

	var right OptionRight
	switch tail[6] {
	case 'C':
		right = RightCall
	case 'P':
		right = RightPut
	default:
		return OptionContract{}, fmt.Errorf("occ symbol %q: bad right %q", symbol, tail[6])
	}

	milli, err := strconv.ParseInt(tail[7:], 10, 64)
	if err != nil {
		return OptionContract{}, fmt.Errorf("occ symbol %q: bad strike: %w", symbol, err)
	}

	return OptionContract{
		Symbol:     symbol,
		Underlying: root,
		Strike:     float64(milli) / 1000,
		Expiration: exp,
		Right:      right,
	}, nil
}
