package model

type Currency string

const (
	CurrencyBTC  Currency = "btc"
	CurrencyETH  Currency = "eth"
	CurrencyDOGE Currency = "doge"
)

func (c Currency) String() string {
	return string(c)
}

// Decimals returns the number of minor-unit decimal places for the currency
// (e.g. 8 for satoshi/BTC, 18 for wei/ETH). The second return is false for
// currencies this build does not know.
func (c Currency) Decimals() (int32, bool) {
	switch c {
	case CurrencyBTC, CurrencyDOGE:
		return 8, true
	case CurrencyETH:
		return 18, true
	default:
		return 0, false
	}
}

// AllCurrencies lists every currency this build supports.
func AllCurrencies() []Currency {
	return []Currency{CurrencyBTC, CurrencyETH, CurrencyDOGE}
}
