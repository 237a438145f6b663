package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakePublisher exercises the Publisher interface contract that
// callers (chore, ticket) depend on, without needing a real broker.
type fakePublisher struct {
	calls []call
	err   error
}

type call struct {
	routingKey string
	body       []byte
}

func (f *fakePublisher) Publish(_ context.Context, routingKey string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, call{routingKey: routingKey, body: body})
	return nil
}

func TestPublisherInterfaceSatisfiedByClient(t *testing.T) {
	var _ Publisher = (*Client)(nil)
}

func TestFakePublisherRecordsCalls(t *testing.T) {
	var p Publisher = &fakePublisher{}
	require.NoError(t, p.Publish(context.Background(), "resource.example", []byte(`{"token":"abc"}`)))

	fp := p.(*fakePublisher)
	require.Len(t, fp.calls, 1)
	require.Equal(t, "resource.example", fp.calls[0].routingKey)
}
