package payment

import (
	"context"
	"fmt"

	"github.com/goodtune/kportal/internal/storage"
)

// Summary aggregates transaction history for the admin dashboard.
type Summary struct {
	Currency     string                            `json:"currency"`
	Revenue      float64                           `json:"revenue"`
	Transactions int                               `json:"transactions"`
	ByStatus     map[storage.TransactionStatus]int `json:"byStatus"`
	ByMethod     map[storage.PaymentMethod]float64 `json:"revenueByMethod"`
	ByPackage    map[string]float64                `json:"revenueByPackage"`
}

// Summarize totals every stored transaction. Revenue counts successful
// payments only.
func (s *Service) Summarize(ctx context.Context) (Summary, error) {
	txs, err := s.transactions.List(ctx, storage.TransactionFilter{})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list transactions: %w", err)
	}

	summary := Summary{
		Currency:     s.config.Currency,
		Transactions: len(txs),
		ByStatus:     make(map[storage.TransactionStatus]int),
		ByMethod:     make(map[storage.PaymentMethod]float64),
		ByPackage:    make(map[string]float64),
	}

	for _, tx := range txs {
		summary.ByStatus[tx.Status]++
		if tx.Status != storage.StatusSuccess {
			continue
		}
		summary.Revenue += tx.Amount
		summary.ByMethod[tx.Method] += tx.Amount
		summary.ByPackage[tx.PackageID] += tx.Amount
	}

	return summary, nil
}
