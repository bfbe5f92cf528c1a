package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProducer implements the minimal Producer interface for tests.
type fakeProducer struct {
	mu          sync.Mutex
	produced    []string
	produceFunc func(ctx context.Context, key []byte, value []byte) (int, int64, time.Time, error)
}

func (f *fakeProducer) Produce(ctx context.Context, key []byte, value []byte) (int, int64, time.Time, error) {
	if f.produceFunc != nil {
		if _, _, _, err := f.produceFunc(ctx, key, value); err != nil {
			return -1, -1, time.Time{}, err
		}
	}
	f.mu.Lock()
	f.produced = append(f.produced, string(key)+":"+string(value))
	f.mu.Unlock()
	return -1, -1, time.Now().UTC(), nil
}

func (f *fakeProducer) Close() error { return nil }

// fakeArchiver implements Archiver for tests.
type fakeArchiver struct {
	archiveFunc func(ctx context.Context, ev Event) (string, error)
}

func (f *fakeArchiver) Archive(ctx context.Context, ev Event) (string, error) {
	if f.archiveFunc != nil {
		return f.archiveFunc(ctx, ev)
	}
	return "key/" + ev.ID, nil
}

type result struct {
	ok  bool
	key string
	err string
}

// fakeOutbox hands out a fixed batch once and records results.
type fakeOutbox struct {
	mu       sync.Mutex
	batch    []Event
	fetchErr error
	results  map[string]result
	released []string
}

func (f *fakeOutbox) FetchPendingEvents(ctx context.Context, limit int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := f.batch
	f.batch = nil
	return out, nil
}

func (f *fakeOutbox) MarkStreamResult(ctx context.Context, id, key string, ok bool, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[string]result)
	}
	f.results[id] = result{ok: ok, key: key, err: errMsg}
	return nil
}

func (f *fakeOutbox) ReleaseEvents(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, ids...)
	return nil
}

func ev(id, stream string, seq int64) Event {
	return Event{ID: id, StreamID: stream, Seq: seq, Type: TypeStepApproved, Payload: []byte(`{}`), Ts: time.Now().UTC()}
}

func TestDrainOnceSuccess(t *testing.T) {
	ob := &fakeOutbox{batch: []Event{ev("a1", "A", 1), ev("b1", "B", 1), ev("a2", "A", 2)}}
	prod := &fakeProducer{}
	s := NewStreamer(ob, prod, &fakeArchiver{}, StreamerConfig{MaxConcurrency: 2})

	n, err := s.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, id := range []string{"a1", "a2", "b1"} {
		assert.True(t, ob.results[id].ok, id)
		assert.Equal(t, "key/"+id, ob.results[id].key)
	}
	assert.Empty(t, ob.released)

	// events of stream A keep their order
	var aOrder []string
	for _, p := range prod.produced {
		if p[0] == 'A' {
			aOrder = append(aOrder, p)
		}
	}
	require.Len(t, aOrder, 2)
	assert.Contains(t, aOrder[0], `"seq":1`)
	assert.Contains(t, aOrder[1], `"seq":2`)
}

func TestDrainOnceFailureHaltsOnlyThatStream(t *testing.T) {
	ob := &fakeOutbox{batch: []Event{ev("a1", "A", 1), ev("a2", "A", 2), ev("a3", "A", 3), ev("b1", "B", 1)}}
	prod := &fakeProducer{
		produceFunc: func(ctx context.Context, key, value []byte) (int, int64, time.Time, error) {
			if string(key) == "A" && strings.Contains(string(value), `"seq":2`) {
				return -1, -1, time.Time{}, errors.New("producer failure")
			}
			return -1, -1, time.Now(), nil
		},
	}
	s := NewStreamer(ob, prod, nil, StreamerConfig{})

	_, err := s.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ob.results["a1"].ok)
	assert.False(t, ob.results["a2"].ok)
	assert.Contains(t, ob.results["a2"].err, "kafka produce")
	_, attempted := ob.results["a3"]
	assert.False(t, attempted)
	assert.Equal(t, []string{"a3"}, ob.released)
	assert.True(t, ob.results["b1"].ok)
	assert.Empty(t, ob.results["b1"].key, "no archiver configured")
}

func TestProcessEventArchiveFailure(t *testing.T) {
	ob := &fakeOutbox{}
	arch := &fakeArchiver{archiveFunc: func(ctx context.Context, ev Event) (string, error) {
		return "", errors.New("bucket gone")
	}}
	s := NewStreamer(ob, &fakeProducer{}, arch, StreamerConfig{})
	err := s.processEvent(context.Background(), ev("x", "X", 1))
	require.Error(t, err)
	assert.Contains(t, ob.results["x"].err, "s3 archive")
}

func TestDrainOnceFetchError(t *testing.T) {
	ob := &fakeOutbox{fetchErr: errors.New("db down")}
	s := NewStreamer(ob, &fakeProducer{}, nil, StreamerConfig{})
	_, err := s.DrainOnce(context.Background())
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	ob := &fakeOutbox{batch: []Event{ev("a1", "A", 1)}}
	s := NewStreamer(ob, &fakeProducer{}, nil, StreamerConfig{PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, ob.results["a1"].ok)
}

func TestKafkaProducerConfigValidation(t *testing.T) {
	_, err := NewKafkaProducer(KafkaProducerConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaProducer(KafkaProducerConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	cfg, err := KafkaProducerConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.NotNil(t, cfg.Balancer)

	p, err := NewKafkaProducer(KafkaProducerConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

type captureUploader struct {
	input *s3.PutObjectInput
}

func (c *captureUploader) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	c.input = in
	return &manager.UploadOutput{}, nil
}

func TestS3ArchiverKeyAndInput(t *testing.T) {
	up := &captureUploader{}
	a := &S3Archiver{bucket: "audit-bucket", prefix: "docflow", uploader: up}
	e := ev("evt-9", "req-abc", 7)

	key, err := a.Archive(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, "docflow/audit/req-abc/000000000007-evt-9.json", key)
	require.NotNil(t, up.input)
	assert.Equal(t, "audit-bucket", *up.input.Bucket)
	assert.Equal(t, key, *up.input.Key)
	assert.Equal(t, s3types.ServerSideEncryptionAes256, up.input.ServerSideEncryption)
}
