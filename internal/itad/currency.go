package itad

import "strings"

// Currency maps a Steam store currency to the ITAD country used to query it.
type Currency struct {
	Code    string
	Country string
	Symbol  string
	Name    string
}

var currencies = []Currency{
	{Code: "USD", Country: "US", Symbol: "$", Name: "U.S. Dollar"},
	{Code: "EUR", Country: "DE", Symbol: "€", Name: "Euro"},
	{Code: "GBP", Country: "GB", Symbol: "£", Name: "British Pound"},
	{Code: "RUB", Country: "RU", Symbol: "₽", Name: "Russian Ruble"},
	{Code: "AUD", Country: "AU", Symbol: "A$", Name: "Australian Dollar"},
	{Code: "CAD", Country: "CA", Symbol: "C$", Name: "Canadian Dollar"},
	{Code: "BRL", Country: "BR", Symbol: "R$", Name: "Brazilian Real"},
	{Code: "TRY", Country: "TR", Symbol: "₺", Name: "Turkish Lira"},
	{Code: "PLN", Country: "PL", Symbol: "zł", Name: "Polish Zloty"},
	{Code: "UAH", Country: "UA", Symbol: "₴", Name: "Ukrainian Hryvnia"},
	{Code: "JPY", Country: "JP", Symbol: "¥", Name: "Japanese Yen"},
	{Code: "CNY", Country: "CN", Symbol: "¥", Name: "Chinese Yuan"},
	{Code: "KRW", Country: "KR", Symbol: "₩", Name: "South Korean Won"},
	{Code: "INR", Country: "IN", Symbol: "₹", Name: "Indian Rupee"},
	{Code: "MXN", Country: "MX", Symbol: "$", Name: "Mexican Peso"},
	{Code: "ARS", Country: "AR", Symbol: "$", Name: "Argentine Peso"},
	{Code: "CLP", Country: "CL", Symbol: "$", Name: "Chilean Peso"},
	{Code: "COP", Country: "CO", Symbol: "$", Name: "Colombian Peso"},
	{Code: "PEN", Country: "PE", Symbol: "S/", Name: "Peruvian Sol"},
	{Code: "ZAR", Country: "ZA", Symbol: "R", Name: "South African Rand"},
	{Code: "SGD", Country: "SG", Symbol: "S$", Name: "Singapore Dollar"},
	{Code: "HKD", Country: "HK", Symbol: "HK$", Name: "Hong Kong Dollar"},
	{Code: "TWD", Country: "TW", Symbol: "NT$", Name: "New Taiwan Dollar"},
	{Code: "THB", Country: "TH", Symbol: "฿", Name: "Thai Baht"},
	{Code: "IDR", Country: "ID", Symbol: "Rp", Name: "Indonesian Rupiah"},
	{Code: "MYR", Country: "MY", Symbol: "RM", Name: "Malaysian Ringgit"},
	{Code: "PHP", Country: "PH", Symbol: "₱", Name: "Philippine Peso"},
	{Code: "VND", Country: "VN", Symbol: "₫", Name: "Vietnamese Dong"},
	{Code: "ILS", Country: "IL", Symbol: "₪", Name: "New Israeli Shekel"},
	{Code: "AED", Country: "AE", Symbol: "د.إ", Name: "UAE Dirham"},
	{Code: "SAR", Country: "SA", Symbol: "﷼", Name: "Saudi Riyal"},
	{Code: "KWD", Country: "KW", Symbol: "د.ك", Name: "Kuwaiti Dinar"},
	{Code: "QAR", Country: "QA", Symbol: "﷼", Name: "Qatari Riyal"},
	{Code: "KZT", Country: "KZ", Symbol: "₸", Name: "Kazakhstani Tenge"},
	{Code: "UYU", Country: "UY", Symbol: "$U", Name: "Uruguayan Peso"},
	{Code: "CRC", Country: "CR", Symbol: "₡", Name: "Costa Rican Colon"},
	{Code: "NOK", Country: "NO", Symbol: "kr", Name: "Norwegian Krone"},
	{Code: "NZD", Country: "NZ", Symbol: "NZ$", Name: "New Zealand Dollar"},
	{Code: "CHF", Country: "CH", Symbol: "CHF", Name: "Swiss Franc"},
	{Code: "SEK", Country: "SE", Symbol: "kr", Name: "Swedish Krona"},
	{Code: "DKK", Country: "DK", Symbol: "kr", Name: "Danish Krone"},
	{Code: "CZK", Country: "CZ", Symbol: "Kč", Name: "Czech Koruna"},
	{Code: "HUF", Country: "HU", Symbol: "Ft", Name: "Hungarian Forint"},
	{Code: "RON", Country: "RO", Symbol: "lei", Name: "Romanian Leu"},
	{Code: "BGN", Country: "BG", Symbol: "лв", Name: "Bulgarian Lev"},
	{Code: "HRK", Country: "HR", Symbol: "kn", Name: "Croatian Kuna"},
	{Code: "BYN", Country: "BY", Symbol: "Br", Name: "Belarusian Ruble"},
}

var currencyIndex = func() map[string]Currency {
	m := make(map[string]Currency, len(currencies))
	for _, c := range currencies {
		m[c.Code] = c
	}
	return m
}()

// LookupCurrency returns the table entry for an ISO code, case-insensitively.
func LookupCurrency(code string) (Currency, bool) {
	c, ok := currencyIndex[strings.ToUpper(strings.TrimSpace(code))]
	return c, ok
}

// Currencies returns every supported currency in table order.
func Currencies() []Currency {
	out := make([]Currency, len(currencies))
	copy(out, currencies)
	return out
}
