package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lookupStore は Resolver が使う読み取り系だけを実装します。
type lookupStore struct {
	Store
	records   map[string]*Record
	bySource  map[string][]string
	getErr    error
	lastLimit int
}

func (s *lookupStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	record, ok := s.records[jobID]
	if !ok {
		return nil, notFound(jobID)
	}
	return record.Clone(), nil
}

func (s *lookupStore) FindBySource(ctx context.Context, source Location, limit int) ([]string, error) {
	s.lastLimit = limit
	ids := s.bySource[source.String()]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func newLookupStore(records ...*Record) *lookupStore {
	s := &lookupStore{records: map[string]*Record{}, bySource: map[string][]string{}}
	for _, r := range records {
		s.records[r.JobID] = r
		if key := r.SourceIndexKey(); key != "" {
			s.bySource[key] = append(s.bySource[key], r.JobID)
		}
	}
	return s
}

func startedRecord(jobID, bucket, key string) *Record {
	r := baseRecord(StatusProcessing)
	r.JobID = jobID
	r.Source = Location{Bucket: bucket, Key: key}
	r.ProcessingMetadata = &ProcessingMetadata{Source: r.Source, ExecutionID: "exec-" + jobID}
	return r
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	byID := startedRecord("report_20240101_120000_ab12cd34", "bucket", "pdf/report_20240101_120000_ab12cd34.pdf")
	byIndex := startedRecord("scan_20240101_120000_00000000", "bucket", "uploads/scan.pdf")
	store := newLookupStore(byID, byIndex)
	resolver := NewResolver(store, 10, "bucket")

	tests := []struct {
		name   string
		input  any
		jobID  string
		method ResolveMethod
	}{
		{
			name:   "literal job id",
			input:  map[string]string{"job_id": byID.JobID, "s3_key": "uploads/scan.pdf"},
			jobID:  byID.JobID,
			method: ResolvedByInputID,
		},
		{
			name:   "unknown literal id falls through to key",
			input:  map[string]string{"job_id": "stale", "s3_key": byID.Source.Key},
			jobID:  byID.JobID,
			method: ResolvedByDerivedKey,
		},
		{
			name:   "derived from key",
			input:  map[string]string{"s3_bucket": "bucket", "s3_key": byID.Source.Key},
			jobID:  byID.JobID,
			method: ResolvedByDerivedKey,
		},
		{
			name: "derived from chunk key",
			input: map[string]any{"chunks": []map[string]string{
				{"s3_key": "pdf/report_20240101_120000_ab12cd34_chunk_12.pdf"},
			}},
			jobID:  byID.JobID,
			method: ResolvedByDerivedKey,
		},
		{
			name:   "source index",
			input:  map[string]string{"s3_key": "uploads/scan.pdf"},
			jobID:  byIndex.JobID,
			method: ResolvedBySourceIndex,
		},
		{
			name: "source index through chunk key",
			input: map[string]any{
				"s3_bucket": "bucket",
				"chunks":    []map[string]string{{"s3_key": "uploads/scan_chunk_0.pdf"}},
			},
			jobID:  byIndex.JobID,
			method: ResolvedBySourceIndex,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.input)
			require.NoError(t, err)

			for _, payload := range []json.RawMessage{raw, mustJSON(t, string(raw))} {
				res, err := resolver.Resolve(ctx, payload)
				require.NoError(t, err)
				assert.Equal(t, tt.jobID, res.JobID)
				assert.Equal(t, tt.method, res.Method)
				require.NotNil(t, res.Record)
				assert.Equal(t, tt.jobID, res.Record.JobID)
			}
		})
	}
}

func TestResolveFailures(t *testing.T) {
	ctx := context.Background()
	a := startedRecord("a", "bucket", "uploads/shared.pdf")
	b := startedRecord("b", "bucket", "uploads/shared.pdf")
	otherBucket := startedRecord("c", "archive", "uploads/solo.pdf")
	resolver := NewResolver(newLookupStore(a, b, otherBucket), 10, "bucket")

	inputs := map[string]json.RawMessage{
		"ambiguous":           json.RawMessage(`{"s3_key":"uploads/shared.pdf"}`),
		"no match":            json.RawMessage(`{"s3_key":"uploads/none.pdf"}`),
		"bucket mismatch":     json.RawMessage(`{"s3_key":"uploads/solo.pdf"}`),
		"unknown id only":     json.RawMessage(`{"job_id":"ghost"}`),
		"nothing to match on": json.RawMessage(`{"user_sub":"alice"}`),
		"null":                json.RawMessage(`null`),
		"invalid json":        json.RawMessage(`{"job_id":`),
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := resolver.Resolve(ctx, input)
			require.Error(t, err)
			assert.Equal(t, KindReconciliation, KindOf(err))
		})
	}
}

func TestResolveStoreErrorIsNotReconciliation(t *testing.T) {
	store := newLookupStore()
	store.getErr = errors.New("connection refused")
	resolver := NewResolver(store, 10, "bucket")

	_, err := resolver.Resolve(context.Background(), json.RawMessage(`{"job_id":"x"}`))
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestResolverScanLimitFloor(t *testing.T) {
	a := startedRecord("a", "bucket", "uploads/shared.pdf")
	b := startedRecord("b", "bucket", "uploads/shared.pdf")
	store := newLookupStore(a, b)
	resolver := NewResolver(store, 1, "bucket")

	_, err := resolver.Resolve(context.Background(), json.RawMessage(`{"s3_key":"uploads/shared.pdf"}`))
	assert.Equal(t, KindReconciliation, KindOf(err), "a limit of one would hide ambiguity")
	assert.Equal(t, 2, store.lastLimit)
}

func TestDeriveJobID(t *testing.T) {
	tests := map[string]string{
		"pdf/report_20240101_120000_ab12cd34.pdf":         "report_20240101_120000_ab12cd34",
		"pdf/report_20240101_120000_ab12cd34_chunk_3.pdf": "report_20240101_120000_ab12cd34",
		"report.pdf":                                      "report",
		"a/b/c/name.with.dots.pdf":                        "name.with.dots",
		"pdf/chunk_7.pdf":                                 "chunk_7",
		"":                                                "",
		"  ":                                              "",
	}
	for key, want := range tests {
		assert.Equal(t, want, DeriveJobID(key), key)
	}
}

func TestInvocationInputStorageLocation(t *testing.T) {
	in := InvocationInput{
		S3Bucket: "bucket",
		S3Key:    "pdf/top.pdf",
		Chunks:   []InputChunk{{S3Key: "pdf/top_chunk_0.pdf"}},
	}
	assert.Equal(t, Location{Bucket: "bucket", Key: "pdf/top_chunk_0.pdf"}, in.StorageLocation())

	in.Chunks = []InputChunk{{}}
	assert.Equal(t, Location{Bucket: "bucket", Key: "pdf/top.pdf"}, in.StorageLocation())

	inv := Invocation{ExecutionID: "e", JobID: "j", Owner: "alice", Source: Location{Bucket: "b", Key: "k"}}
	decoded, err := DecodeInvocationInput(mustJSON(t, inv.Payload()))
	require.NoError(t, err)
	assert.Equal(t, InvocationInput{JobID: "j", S3Bucket: "b", S3Key: "k", Owner: "alice"}, decoded)
}
