package market

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Vendor ticker syntax:
//
//	equity        AAPL
//	index         I:SPX
//	option        O:SPY230616C00415000
//	index option  O:SPX230616P04150000 (same encoding, disambiguated by hint)
//
// The option body reads right-to-left: 8-digit strike in thousandths, one
// right char (C/P), 6-digit yyMMdd expiry, the rest is the underlying.
const (
	optionPrefix = "O:"
	indexPrefix  = "I:"

	expiryLayout = "060102"
	strikeDigits = 8
)

// InvalidSymbolError reports a vendor ticker or symbol that cannot be
// translated.
type InvalidSymbolError struct {
	Ticker string
	Reason string
}

func (e *InvalidSymbolError) Error() string {
	return fmt.Sprintf("invalid symbol %q: %s", e.Ticker, e.Reason)
}

// Translator converts between engine Symbols and vendor tickers. Both
// directions are cached; all methods are safe for concurrent use.
type Translator struct {
	mu       sync.Mutex
	toVendor map[Symbol]string
	toSymbol map[parseKey]Symbol
}

type parseKey struct {
	ticker string
	hint   SecurityType
}

func NewTranslator() *Translator {
	return &Translator{
		toVendor: make(map[Symbol]string),
		toSymbol: make(map[parseKey]Symbol),
	}
}

// VendorTicker renders the vendor-side ticker for a symbol.
func (t *Translator) VendorTicker(sym Symbol) (string, error) {
	t.mu.Lock()
	if v, ok := t.toVendor[sym]; ok {
		t.mu.Unlock()
		return v, nil
	}
	t.mu.Unlock()

	v, err := formatVendorTicker(sym)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.toVendor[sym] = v
	t.mu.Unlock()
	return v, nil
}

// ParseVendorTicker converts a vendor ticker back to a Symbol. The hint
// disambiguates contracts whose encoding is shared across security types:
// "O:" tickers parse as IndexOption rather than Option when hint says so.
// Pass Equity when no better context exists.
func (t *Translator) ParseVendorTicker(ticker string, hint SecurityType) (Symbol, error) {
	key := parseKey{ticker: ticker, hint: hint}

	t.mu.Lock()
	if s, ok := t.toSymbol[key]; ok {
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	sym, err := parseVendorTicker(ticker, hint)
	if err != nil {
		return Symbol{}, err
	}

	t.mu.Lock()
	t.toSymbol[key] = sym
	t.toVendor[sym] = ticker
	t.mu.Unlock()
	return sym, nil
}

func formatVendorTicker(sym Symbol) (string, error) {
	if sym.Ticker == "" {
		return "", &InvalidSymbolError{Reason: "empty ticker"}
	}
	switch sym.Type {
	case Equity:
		return strings.ToUpper(sym.Ticker), nil
	case Index:
		return indexPrefix + strings.ToUpper(sym.Ticker), nil
	case Option, IndexOption:
		if sym.Underlying == "" {
			return "", &InvalidSymbolError{Ticker: sym.Ticker, Reason: "option without underlying"}
		}
		if sym.Expiry.IsZero() {
			return "", &InvalidSymbolError{Ticker: sym.Ticker, Reason: "option without expiry"}
		}
		right := "C"
		if sym.Right == Put {
			right = "P"
		}
		strike := int64(math.Round(sym.Strike * 1000))
		if strike < 0 || strike > 99999999 {
			return "", &InvalidSymbolError{Ticker: sym.Ticker, Reason: fmt.Sprintf("strike %v out of range", sym.Strike)}
		}
		return fmt.Sprintf("%s%s%s%s%0*d",
			optionPrefix, strings.ToUpper(sym.Underlying),
			sym.Expiry.Format(expiryLayout), right, strikeDigits, strike), nil
	default:
		return "", &InvalidSymbolError{Ticker: sym.Ticker, Reason: fmt.Sprintf("unsupported security type %s", sym.Type)}
	}
}

func parseVendorTicker(ticker string, hint SecurityType) (Symbol, error) {
	if ticker == "" {
		return Symbol{}, &InvalidSymbolError{Reason: "empty ticker"}
	}

	switch {
	case strings.HasPrefix(ticker, optionPrefix):
		return parseOptionTicker(ticker, hint)
	case strings.HasPrefix(ticker, indexPrefix):
		name := ticker[len(indexPrefix):]
		if name == "" {
			return Symbol{}, &InvalidSymbolError{Ticker: ticker, Reason: "empty index name"}
		}
		return NewIndex(name), nil
	default:
		if strings.Contains(ticker, ":") {
			return Symbol{}, &InvalidSymbolError{Ticker: ticker, Reason: "unsupported security class prefix"}
		}
		return NewEquity(ticker), nil
	}
}

func parseOptionTicker(ticker string, hint SecurityType) (Symbol, error) {
	body := ticker[len(optionPrefix):]

	// underlying (1+) + expiry (6) + right (1) + strike (8)
	if len(body) < 1+len(expiryLayout)+1+strikeDigits {
		return Symbol{}, &InvalidSymbolError{Ticker: ticker, Reason: "option ticker too short"}
	}

	strikeRaw := body[len(body)-strikeDigits:]
	strikeInt, err := strconv.ParseInt(strikeRaw, 10, 64)
	if err != nil {
		return Symbol{}, &InvalidSymbolError{Ticker: ticker, Reason: "non-numeric strike"}
	}
	body = body[:len(body)-strikeDigits]

	var right OptionRight
	switch body[len(body)-1] {
	case 'C':
		right = Call
	case 'P':
		right = Put
	default:
		return Symbol{}, &InvalidSymbolError{Ticker: ticker, Reason: "right must be C or P"}
	}
	body = body[:len(body)-1]

	expiryRaw := body[len(body)-len(expiryLayout):]
	expiry, err := time.ParseInLocation(expiryLayout, expiryRaw, time.UTC)
	if err != nil {
		return Symbol{}, &InvalidSymbolError{Ticker: ticker, Reason: "malformed expiry date"}
	}
	underlying := body[:len(body)-len(expiryLayout)]
	if underlying == "" {
		return Symbol{}, &InvalidSymbolError{Ticker: ticker, Reason: "missing underlying"}
	}

	strike := float64(strikeInt) / 1000

	if hint == IndexOption || hint == Index {
		return NewIndexOption(underlying, expiry, right, strike), nil
	}
	return NewOption(underlying, expiry, right, strike), nil
}
