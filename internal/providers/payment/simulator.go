// Package payment holds simulated payment processors used as registry
// providers. Each simulator answers the payment capability set with
// realistic latency, fee arithmetic, and injectable failures for resilience
// testing.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/provider-gateway/internal/domain/values"
	"github.com/davidleathers/provider-gateway/internal/registry"
)

// RequiredOperations is the capability contract of the payment category.
var RequiredOperations = []string{"processPayment", "getPaymentMethods", "calculateFees"}

// PaymentRequest asks a provider to move money.
type PaymentRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Method   string `json:"method"`
	Customer string `json:"customer,omitempty"`
}

// PaymentResult is the provider's settlement answer.
type PaymentResult struct {
	TransactionID string       `json:"transaction_id"`
	Provider      string       `json:"provider"`
	Status        string       `json:"status"`
	Amount        values.Money `json:"amount"`
	Fee           values.Money `json:"fee"`
	Net           values.Money `json:"net"`
	ProcessedAt   time.Time    `json:"processed_at"`
}

// FeeQuery asks what a payment of the given amount would cost.
type FeeQuery struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// FeeQuote is the provider's fee breakdown.
type FeeQuote struct {
	Provider   string       `json:"provider"`
	Amount     values.Money `json:"amount"`
	Percentage string       `json:"percentage"`
	Fixed      values.Money `json:"fixed"`
	Fee        values.Money `json:"fee"`
	Net        values.Money `json:"net"`
}

// Method describes one supported payment instrument.
type Method struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Currency string `json:"currency"`
}

// Simulator is a configurable fake payment processor. It is safe for
// concurrent use.
type Simulator struct {
	name     string
	fees     values.FeeSchedule
	methods  []Method
	baseWait time.Duration
	jitter   time.Duration

	mu       sync.Mutex
	failNext map[string][]error
	calls    map[string]int
	healthy  bool
	rng      *rand.Rand
}

// NewSimulator builds a healthy simulator with the given fee schedule.
func NewSimulator(name string, fees values.FeeSchedule, methods []Method, baseWait, jitter time.Duration) *Simulator {
	return &Simulator{
		name:     name,
		fees:     fees,
		methods:  methods,
		baseWait: baseWait,
		jitter:   jitter,
		failNext: make(map[string][]error),
		calls:    make(map[string]int),
		healthy:  true,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewStripe builds a simulator shaped like a card processor: 2.9% + $0.30.
func NewStripe() *Simulator {
	fees, _ := values.NewFeeSchedule("0.029", values.MustNewMoneyFromString("0.30", "USD"))
	return NewSimulator("Stripe", fees, []Method{
		{ID: "card", Label: "Credit or debit card", Currency: "USD"},
		{ID: "apple_pay", Label: "Apple Pay", Currency: "USD"},
	}, 40*time.Millisecond, 30*time.Millisecond)
}

// NewPlaid builds a simulator shaped like a bank-transfer processor:
// 0.8% + $0.05, slower but cheaper.
func NewPlaid() *Simulator {
	fees, _ := values.NewFeeSchedule("0.008", values.MustNewMoneyFromString("0.05", "USD"))
	return NewSimulator("Plaid", fees, []Method{
		{ID: "ach", Label: "ACH bank transfer", Currency: "USD"},
	}, 120*time.Millisecond, 60*time.Millisecond)
}

// Name implements registry.Provider.
func (s *Simulator) Name() string { return s.name }

// Operations implements registry.Provider.
func (s *Simulator) Operations() map[string]registry.Operation {
	return map[string]registry.Operation{
		"processPayment":    s.processPayment,
		"getPaymentMethods": s.getPaymentMethods,
		"calculateFees":     s.calculateFees,
	}
}

// HealthCheck implements registry.HealthChecker.
func (s *Simulator) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	healthy := s.healthy
	s.mu.Unlock()

	if !healthy {
		return fmt.Errorf("%s simulator marked unhealthy", s.name)
	}
	return nil
}

// SetHealthy toggles the simulated backend's liveness.
func (s *Simulator) SetHealthy(healthy bool) {
	s.mu.Lock()
	s.healthy = healthy
	s.mu.Unlock()
}

// FailNext queues an error for the next call of the operation. Queued
// errors are consumed in order, one per call.
func (s *Simulator) FailNext(operation string, err error) {
	s.mu.Lock()
	s.failNext[operation] = append(s.failNext[operation], err)
	s.mu.Unlock()
}

// CallCount reports how many times an operation was invoked.
func (s *Simulator) CallCount(operation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[operation]
}

// begin counts the call, applies simulated latency, and pops any queued
// failure.
func (s *Simulator) begin(ctx context.Context, operation string) error {
	s.mu.Lock()
	s.calls[operation]++
	var injected error
	if queue := s.failNext[operation]; len(queue) > 0 {
		injected = queue[0]
		s.failNext[operation] = queue[1:]
	}
	wait := s.baseWait
	if s.jitter > 0 {
		wait += time.Duration(s.rng.Int63n(int64(s.jitter)))
	}
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return injected
}

func (s *Simulator) processPayment(ctx context.Context, data any) (any, error) {
	if err := s.begin(ctx, "processPayment"); err != nil {
		return nil, err
	}

	req, ok := data.(*PaymentRequest)
	if !ok {
		return nil, errors.New("processPayment expects a *PaymentRequest")
	}

	amount, err := values.NewMoneyFromString(req.Amount, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("invalid payment amount: %w", err)
	}

	fee, err := s.fees.Fee(amount)
	if err != nil {
		return nil, err
	}
	net, err := s.fees.Net(amount)
	if err != nil {
		return nil, err
	}

	return &PaymentResult{
		TransactionID: uuid.NewString(),
		Provider:      s.name,
		Status:        "succeeded",
		Amount:        amount,
		Fee:           fee,
		Net:           net,
		ProcessedAt:   time.Now().UTC(),
	}, nil
}

func (s *Simulator) getPaymentMethods(ctx context.Context, data any) (any, error) {
	if err := s.begin(ctx, "getPaymentMethods"); err != nil {
		return nil, err
	}

	out := make([]Method, len(s.methods))
	copy(out, s.methods)
	return out, nil
}

func (s *Simulator) calculateFees(ctx context.Context, data any) (any, error) {
	if err := s.begin(ctx, "calculateFees"); err != nil {
		return nil, err
	}

	q, ok := data.(*FeeQuery)
	if !ok {
		return nil, errors.New("calculateFees expects a *FeeQuery")
	}

	amount, err := values.NewMoneyFromString(q.Amount, q.Currency)
	if err != nil {
		return nil, fmt.Errorf("invalid fee query amount: %w", err)
	}

	fee, err := s.fees.Fee(amount)
	if err != nil {
		return nil, err
	}
	net, err := s.fees.Net(amount)
	if err != nil {
		return nil, err
	}

	return &FeeQuote{
		Provider:   s.name,
		Amount:     amount,
		Percentage: s.fees.Percentage.String(),
		Fixed:      s.fees.Fixed,
		Fee:        fee,
		Net:        net,
	}, nil
}
