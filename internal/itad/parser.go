package itad

import (
	"strings"

	"github.com/timmy/steamharvest/internal/domain"
)

// ParseHistory turns history entries into price records for one app.
// Only Steam entries priced in the requested currency are kept; entries
// without a deal or a parseable timestamp are skipped.
func ParseHistory(appID int64, entries []HistoryEntry, cur Currency) []domain.PriceRecord {
	records := make([]domain.PriceRecord, 0, len(entries))
	for _, e := range entries {
		if e.Shop.ID != SteamShopID || e.Deal == nil {
			continue
		}
		if c := strings.ToUpper(e.Deal.Price.Currency); c != "" && c != cur.Code {
			continue
		}
		dt, ok := domain.NormalizeDateTime(e.Timestamp)
		if !ok {
			continue
		}
		records = append(records, domain.PriceRecord{
			AppID:          appID,
			DateTime:       dt,
			PriceFinal:     e.Deal.Price.Amount,
			CurrencySymbol: cur.Symbol,
			CurrencyName:   cur.Name,
		})
	}
	return records
}
