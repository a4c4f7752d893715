package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResult struct {
	id  string
	err error
}

func (r fakeResult) Get(context.Context) (string, error) {
	return r.id, r.err
}

func TestPublisherEncodesPayload(t *testing.T) {
	t.Parallel()

	var sent *pubsub.Message
	p := &Publisher{publish: func(_ context.Context, msg *pubsub.Message) result {
		sent = msg
		return fakeResult{id: "server-id-1"}
	}}

	id, err := p.Publish(context.Background(), "archive-jobs", map[string]string{"job_id": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "server-id-1", id)

	require.NotNil(t, sent)
	var body map[string]string
	require.NoError(t, json.Unmarshal(sent.Data, &body))
	assert.Equal(t, "abc", body["job_id"])
	assert.Equal(t, "archive-jobs", sent.Attributes["topic"])
	assert.Equal(t, "application/json", sent.Attributes["content_type"])
}

func TestPublisherWrapsServerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("deadline")
	p := &Publisher{publish: func(context.Context, *pubsub.Message) result {
		return fakeResult{err: boom}
	}}
	_, err := p.Publish(context.Background(), "", "x")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "publish message")
}

func TestPublisherNotConfigured(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)

	p := &Publisher{publish: func(context.Context, *pubsub.Message) result {
		t.Fatal("publish should not be called")
		return nil
	}}
	_, err = p.Publish(context.Background(), "t", make(chan int))
	require.Error(t, err)
}
