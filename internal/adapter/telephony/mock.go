package telephony

import (
	"context"
	"fmt"
	"sync"

	"authbridge/internal/domain"
)

// MockDialer is a test double that records calls instead of placing them.
// It is also used as the runtime dialer in non-production environments
// without telephony credentials.
type MockDialer struct {
	mu sync.Mutex

	CreateResp domain.DialResult
	CreateErr  error
	HangupErr  error

	CreatedCalls []domain.DialRequest
	HungupSids   []string

	nextSeq int
}

// NewMockDialer creates a recording dialer.
func NewMockDialer() *MockDialer {
	return &MockDialer{}
}

func (m *MockDialer) Configured() bool { return true }

func (m *MockDialer) CreateCall(_ context.Context, req domain.DialRequest) (domain.DialResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return domain.DialResult{}, m.CreateErr
	}
	m.CreatedCalls = append(m.CreatedCalls, req)

	resp := m.CreateResp
	if resp.CallSid == "" {
		m.nextSeq++
		resp = domain.DialResult{CallSid: fmt.Sprintf("CA-mock-%04d", m.nextSeq), Status: "queued"}
	}
	return resp, nil
}

func (m *MockDialer) Hangup(_ context.Context, callSid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.HangupErr != nil {
		return m.HangupErr
	}
	m.HungupSids = append(m.HungupSids, callSid)
	return nil
}
