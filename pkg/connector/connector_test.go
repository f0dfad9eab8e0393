package connector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	envs []Envelope
	err  error
}

func (c *collector) HandleEnvelope(_ context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.envs = append(c.envs, env)
	return nil
}

func (c *collector) received() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envs...)
}

type body struct {
	Amount int `json:"amount"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(KindExecute, "side", "auth", 7, body{Amount: 3})
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, uint64(7), got.ExecutionID)

	var b body
	require.NoError(t, got.Decode(&b))
	assert.Equal(t, 3, b.Amount)

	empty, err := NewEnvelope(KindPause, "side", "auth", 0, nil)
	require.NoError(t, err)
	assert.Error(t, empty.Decode(&b))

	_, err = Unmarshal([]byte("{"))
	assert.Error(t, err)
}

func TestLocalConnector(t *testing.T) {
	ctx := context.Background()
	c := &collector{}
	lc := NewLocalConnector(c)
	env, err := NewEnvelope(KindResume, "main", "auth", 0, nil)
	require.NoError(t, err)

	require.NoError(t, lc.Send(ctx, env))
	assert.Len(t, c.received(), 1)

	require.NoError(t, lc.Close())
	assert.ErrorIs(t, lc.Send(ctx, env), ErrClosed)
}

func newRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisConnectorDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	out := NewRedisConnector(client, "side")
	in := NewRedisReceiver(client, "side")
	in.wait = 50 * time.Millisecond

	for i := uint64(1); i <= 3; i++ {
		env, err := NewEnvelope(KindExecute, "side", "auth", i, body{Amount: int(i)})
		require.NoError(t, err)
		require.NoError(t, out.Send(ctx, env))
	}

	c := &collector{}
	for i := 0; i < 3; i++ {
		ok, err := in.Poll(ctx, c)
		require.NoError(t, err)
		require.True(t, ok)
	}
	got := c.received()
	require.Len(t, got, 3)
	for i, env := range got {
		assert.Equal(t, uint64(i+1), env.ExecutionID)
	}
}

func TestRedisReceiverDeadLetters(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)
	in := NewRedisReceiver(client, "side")
	in.wait = 50 * time.Millisecond

	require.NoError(t, client.LPush(ctx, InboxKey("side"), "not json").Err())
	env, err := NewEnvelope(KindExecute, "side", "auth", 1, nil)
	require.NoError(t, err)
	require.NoError(t, NewRedisConnector(client, "side").Send(ctx, env))

	c := &collector{err: errors.New("rejected")}
	for i := 0; i < 2; i++ {
		ok, err := in.Poll(ctx, c)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	n, err := client.LLen(ctx, DeadLetterKey("side")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaConfigValidation(t *testing.T) {
	_, err := NewKafkaConnector(KafkaConfig{Brokers: []string{" ", ""}, Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaConnector(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
	_, err = NewKafkaReceiver(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	assert.Error(t, err)

	brokers, err := KafkaConfig{Brokers: []string{" a:1 ", "", "b:2"}, Topic: "t"}.brokers()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, brokers)
}

func TestKafkaConnectorKeysByExecution(t *testing.T) {
	w := &fakeWriter{}
	c := &KafkaConnector{writer: w}
	env, err := NewEnvelope(KindCallback, "main", "side-processor", 42, body{Amount: 1})
	require.NoError(t, err)

	require.NoError(t, c.Send(context.Background(), env))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "42", string(w.msgs[0].Key))
	assert.Equal(t, "callback", string(w.msgs[0].Headers[0].Value))

	w.err = errors.New("broker down")
	assert.Error(t, c.Send(context.Background(), env))

	require.NoError(t, c.Close())
	assert.True(t, w.closed)
}

func TestKafkaReceiverCommitsAfterHandling(t *testing.T) {
	ctx := context.Background()
	env, err := NewEnvelope(KindExecute, "side", "auth", 1, nil)
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)

	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte("garbage")},
		{Offset: 2, Value: data},
		{Offset: 3, Value: data},
	}}
	recv := &KafkaReceiver{reader: r, logger: slog.Default()}

	c := &collector{}
	require.NoError(t, recv.Poll(ctx, c))
	require.NoError(t, recv.Poll(ctx, c))
	assert.Equal(t, []int64{1, 2}, r.committed)
	assert.Len(t, c.received(), 1)

	c.err = errors.New("engine refused")
	assert.Error(t, recv.Poll(ctx, c))
	assert.Equal(t, []int64{1, 2}, r.committed, "a refused envelope is not committed")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.NoError(t, recv.Run(cctx, c))
}
