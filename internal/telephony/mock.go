package telephony

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// MockProvider pretends every dial succeeds. Local/dev only; config rejects
// it in production.
type MockProvider struct {
	Log *slog.Logger

	mu     sync.Mutex
	placed []PlaceCallRequest

	// Fail, when set, makes PlaceCall return this error. Test hook.
	Fail error
}

func NewMockProvider(log *slog.Logger) *MockProvider {
	return &MockProvider{Log: log}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) HealthCheck(ctx context.Context) error { return nil }

func (p *MockProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	p.mu.Lock()
	fail := p.Fail
	if fail == nil {
		p.placed = append(p.placed, req)
	}
	p.mu.Unlock()

	if fail != nil {
		return PlaceCallResult{}, fail
	}

	if p.Log != nil {
		p.Log.Info("mock call placed", "call_id", req.CallID, "phone", req.Phone)
	}
	return PlaceCallResult{ProviderSessionID: "mock-" + uuid.NewString()}, nil
}

// Placed returns the requests that reached the provider, for test assertions.
func (p *MockProvider) Placed() []PlaceCallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PlaceCallRequest(nil), p.placed...)
}
