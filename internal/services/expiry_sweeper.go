package services

import (
	"context"
	"log"
	"time"
)

const sweepBatchSize = 100

// ExpirySweeper periodically fails payments that stayed PENDING past their TTL.
type ExpirySweeper struct {
	payments *PaymentService
	interval time.Duration
}

func NewExpirySweeper(payments *PaymentService, interval time.Duration) *ExpirySweeper {
	return &ExpirySweeper{payments: payments, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *ExpirySweeper) sweep(ctx context.Context) {
	for {
		n, err := s.payments.ExpireStale(ctx, sweepBatchSize)
		if err != nil {
			log.Printf("[M-Pesa] expiry sweep failed: %v", err)
			return
		}
		if n < sweepBatchSize {
			return
		}
	}
}
