package catalog

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) FetchLogicalList(ctx context.Context, req ListRequest) (*ListResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*ListResponse)
	return resp, args.Error(1)
}

func (m *mockTransport) FetchStatusBlob(ctx context.Context, statusID string) ([]byte, error) {
	args := m.Called(ctx, statusID)
	blob, _ := args.Get(0).([]byte)
	return blob, args.Error(1)
}

func (m *mockTransport) FetchLoads(ctx context.Context, netzone string, freeOnly bool) ([]servers.LoadUpdate, error) {
	args := m.Called(ctx, netzone, freeOnly)
	loads, _ := args.Get(0).([]servers.LoadUpdate)
	return loads, args.Error(1)
}
