package storagemock

import (
	"context"

	"github.com/plugwatch/plugwatch/pkg/storage"
	"github.com/plugwatch/plugwatch/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetCredential(ctx context.Context, userID, providerID string) (types.CredentialRecord, error) {
	args := m.Called(ctx, userID, providerID)
	return args.Get(0).(types.CredentialRecord), args.Error(1)
}

func (m *MockDatabase) SetCredential(ctx context.Context, rec types.CredentialRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockDatabase) DeleteCredential(ctx context.Context, userID, providerID string) error {
	args := m.Called(ctx, userID, providerID)
	return args.Error(0)
}

func (m *MockDatabase) UpsertCurrentUsage(ctx context.Context, rec types.UsageRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockDatabase) UpsertUsageHistory(ctx context.Context, recs []types.UsageRecord) error {
	args := m.Called(ctx, recs)
	return args.Error(0)
}

func (m *MockDatabase) UpsertUsage(ctx context.Context, current, closed []types.UsageRecord) error {
	args := m.Called(ctx, current, closed)
	return args.Error(0)
}

func (m *MockDatabase) GetCurrentUsage(ctx context.Context, userID string) ([]types.UsageRecord, error) {
	args := m.Called(ctx, userID)
	if v := args.Get(0); v != nil {
		return v.([]types.UsageRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) GetUsageHistory(ctx context.Context, userID, sinceDay string) ([]types.UsageRecord, error) {
	args := m.Called(ctx, userID, sinceDay)
	if fn, ok := args.Get(0).(func(context.Context, string, string) ([]types.UsageRecord, error)); ok {
		return fn(ctx, userID, sinceDay)
	}
	if v := args.Get(0); v != nil {
		return v.([]types.UsageRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
