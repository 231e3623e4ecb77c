package source

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/lakehouse"
	"github.com/TFMV/lakehouse/schema"
)

// MockExtractor implements Extractor for testing.
type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) Name() string { return "mock" }

func (m *MockExtractor) Extract(ctx context.Context) (arrow.Record, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(arrow.Record), args.Error(1)
}

func TestGuardOpensAfterUnavailable(t *testing.T) {
	inner := new(MockExtractor)
	inner.On("Extract", mock.Anything).
		Return(nil, lakehouse.Wrap("mock", lakehouse.ErrSourceUnavailable, nil)).Times(2)

	g := Guard(inner, BreakerSettings{MaxFailures: 2, Cooldown: time.Hour}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Extract(ctx)
		assert.ErrorIs(t, err, lakehouse.ErrSourceUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())

	_, err := g.Extract(ctx)
	assert.ErrorIs(t, err, lakehouse.ErrSourceUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	inner.AssertNumberOfCalls(t, "Extract", 2)
}

func TestGuardIgnoresDataErrors(t *testing.T) {
	inner := new(MockExtractor)
	inner.On("Extract", mock.Anything).
		Return(nil, lakehouse.Wrap("mock", lakehouse.ErrInvalidRecord, nil))

	g := Guard(inner, BreakerSettings{MaxFailures: 1}, zap.NewNop())
	for i := 0; i < 3; i++ {
		_, err := g.Extract(context.Background())
		assert.ErrorIs(t, err, lakehouse.ErrInvalidRecord)
	}
	assert.Equal(t, gobreaker.StateClosed, g.State())
}

func TestGuardPassesRecords(t *testing.T) {
	rec := schema.Empty(schema.TransactionSchema())
	defer rec.Release()

	inner := new(MockExtractor)
	inner.On("Extract", mock.Anything).Return(rec, nil)

	got, err := Guard(inner, BreakerSettings{}, zap.NewNop()).Extract(context.Background())
	require.NoError(t, err)
	assert.Same(t, rec, got)
}
