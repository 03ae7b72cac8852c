package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/pdf-remediation/internal/config"
	"github.com/yourusername/pdf-remediation/internal/storage"
)

const testBucket = "bucket"

type stubEstimator struct {
	mu      sync.Mutex
	metrics *Metrics
	err     error
	calls   int
	docs    [][]byte
	hook    func()
}

func (s *stubEstimator) Estimate(doc []byte, sizeBytes int64) (*Metrics, error) {
	s.mu.Lock()
	s.calls++
	s.docs = append(s.docs, doc)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.metrics != nil {
		m := *s.metrics
		return &m, nil
	}
	return &Metrics{
		Pages:                   5,
		EstimatedElements:       200,
		AvgElementsPerPage:      40,
		Complexity:              ComplexitySimple,
		EstimatedTransactions:   50,
		EstimatedCostPercentage: 0.2,
		Source:                  MetricsFromContent,
	}, nil
}

type stubWorkflow struct {
	mu          sync.Mutex
	invocations []Invocation
	err         error
	hook        func()
}

func (s *stubWorkflow) Invoke(ctx context.Context, inv Invocation) error {
	s.mu.Lock()
	s.invocations = append(s.invocations, inv)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.err
}

func (s *stubWorkflow) last() Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invocations[len(s.invocations)-1]
}

// failingBlobs は指定キーの削除だけ失敗させます。
type failingBlobs struct {
	storage.Blobs
	failKeys map[string]bool
}

func (f *failingBlobs) Delete(ctx context.Context, bucket, key string) error {
	if f.failKeys[key] {
		return errors.New("access denied")
	}
	return f.Blobs.Delete(ctx, bucket, key)
}

type testEnv struct {
	manager   *Manager
	store     *RedisStore
	blobs     *storage.Local
	estimator *stubEstimator
	workflow  *stubWorkflow
	cfg       *config.Config
}

func testConfig() *config.Config {
	return &config.Config{
		BlobBucket:         testBucket,
		UploadPrefix:       "pdf/",
		ResultPrefix:       "result/",
		TempPrefix:         "temp/",
		JobTTL:             7 * 24 * time.Hour,
		JobListLimit:       3,
		ResolverScanLimit:  10,
		CleanupConcurrency: 2,
		AutoAnalyze:        true,
		MaxFileSize:        10 * bytesPerMB,
		Estimator:          config.DefaultEstimator(),
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		store:     NewRedisStore(rdb),
		blobs:     blobs,
		estimator: &stubEstimator{},
		workflow:  &stubWorkflow{},
		cfg:       testConfig(),
	}
	env.manager, err = NewManager(env.cfg, env.store, env.blobs, env.estimator, env.workflow, quietLogger())
	require.NoError(t, err)
	return env
}

// seed は入力PDFを置いてジョブを作成します。
func (e *testEnv) seed(t *testing.T, owner, fileName string) *Record {
	t.Helper()
	ctx := context.Background()
	jobID := GenerateJobID(fileName, time.Now())
	key := e.cfg.UploadPrefix + jobID + ".pdf"
	_, err := e.blobs.Put(ctx, testBucket, key, strings.NewReader("%PDF-1.7 test document"))
	require.NoError(t, err)

	record, err := e.manager.Create(ctx, owner, CreateRequest{
		JobID:    jobID,
		FileName: fileName,
		S3Key:    key,
	})
	require.NoError(t, err)
	return record
}

// seedProcessing は PROCESSING まで進めたジョブを返します。
func (e *testEnv) seedProcessing(t *testing.T, owner, fileName string) *Record {
	t.Helper()
	record := e.seed(t, owner, fileName)
	started, err := e.manager.Start(context.Background(), owner, record.JobID)
	require.NoError(t, err)
	return started
}

func (e *testEnv) mustGet(t *testing.T, jobID string) *Record {
	t.Helper()
	record, err := e.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	return record
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// stringEncoded はエンジンが返す「JSON文字列としての JSON」を作ります。
func stringEncoded(t *testing.T, v any) json.RawMessage {
	t.Helper()
	return mustJSON(t, string(mustJSON(t, v)))
}

func successEvent(t *testing.T, input any, resultText string) CompletionEvent {
	t.Helper()
	return CompletionEvent{
		ExecutionID: "arn:aws:states:exec-1",
		Status:      EngineSucceeded,
		Input:       stringEncoded(t, input),
		Output:      stringEncoded(t, map[string]any{"ParallelResults": []string{resultText}}),
	}
}
