package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// ResolveMethod は完了通知からジョブIDを特定した手段です。
type ResolveMethod string

const (
	ResolvedByInputID     ResolveMethod = "input_job_id"
	ResolvedByDerivedKey  ResolveMethod = "derived_key"
	ResolvedBySourceIndex ResolveMethod = "source_index"
)

// Resolution は照合結果です。
type Resolution struct {
	JobID  string
	Method ResolveMethod
	Record *Record
}

// InvocationInput はワークフロー起動時の入力ペイロードです。
// エンジンによっては job_id が落ち、chunks の s3_key しか残りません。
type InvocationInput struct {
	JobID    string       `json:"job_id,omitempty"`
	S3Bucket string       `json:"s3_bucket,omitempty"`
	S3Key    string       `json:"s3_key,omitempty"`
	Owner    string       `json:"user_sub,omitempty"`
	Chunks   []InputChunk `json:"chunks,omitempty"`
}

// InputChunk は分割処理された入力の1片です。
type InputChunk struct {
	S3Bucket string `json:"s3_bucket,omitempty"`
	S3Key    string `json:"s3_key,omitempty"`
}

// StorageLocation は入力が指すブロブの位置を返します（chunks 優先）。
func (in InvocationInput) StorageLocation() Location {
	if len(in.Chunks) > 0 && in.Chunks[0].S3Key != "" {
		bucket := in.Chunks[0].S3Bucket
		if bucket == "" {
			bucket = in.S3Bucket
		}
		return Location{Bucket: bucket, Key: in.Chunks[0].S3Key}
	}
	return Location{Bucket: in.S3Bucket, Key: in.S3Key}
}

var chunkSuffix = regexp.MustCompile(`_chunk_\d+$`)

// Resolver は完了通知の入力ペイロードからジョブを特定します。
type Resolver struct {
	store         Store
	scanLimit     int
	defaultBucket string
}

// NewResolver は Resolver を作成します。scanLimit は照合インデックスから読む候補数の上限です。
func NewResolver(store Store, scanLimit int, defaultBucket string) *Resolver {
	if scanLimit < 2 {
		scanLimit = 2
	}
	return &Resolver{store: store, scanLimit: scanLimit, defaultBucket: defaultBucket}
}

// Resolve は次の順で照合します。
//  1. 入力の job_id
//  2. 入力のキーから導出したID（パスと拡張子、_chunk_N を除去）の直接参照
//  3. 起動時スナップショットの照合インデックス（一意な一致のみ採用）
func (r *Resolver) Resolve(ctx context.Context, rawInput json.RawMessage) (*Resolution, error) {
	input, err := DecodeInvocationInput(rawInput)
	if err != nil {
		return nil, reconciliationFailure("execution input is not valid JSON", err)
	}

	if input.JobID != "" {
		record, err := r.lookup(ctx, input.JobID)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return &Resolution{JobID: record.JobID, Method: ResolvedByInputID, Record: record}, nil
		}
	}

	loc := input.StorageLocation()
	if loc.IsZero() {
		if input.JobID != "" {
			return nil, reconciliationFailure(fmt.Sprintf("no job matches job_id %q", input.JobID), nil)
		}
		return nil, reconciliationFailure("execution input has neither job_id nor storage key", nil)
	}
	if loc.Bucket == "" {
		loc.Bucket = r.defaultBucket
	}

	if candidate := DeriveJobID(loc.Key); candidate != "" {
		record, err := r.lookup(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return &Resolution{JobID: record.JobID, Method: ResolvedByDerivedKey, Record: record}, nil
		}
	}

	for _, source := range sourceCandidates(loc) {
		ids, err := r.store.FindBySource(ctx, source, r.scanLimit)
		if err != nil {
			return nil, fmt.Errorf("source index lookup: %w", err)
		}
		switch len(ids) {
		case 0:
			continue
		case 1:
			record, err := r.lookup(ctx, ids[0])
			if err != nil {
				return nil, err
			}
			if record == nil {
				continue
			}
			return &Resolution{JobID: record.JobID, Method: ResolvedBySourceIndex, Record: record}, nil
		default:
			return nil, reconciliationFailure(
				fmt.Sprintf("ambiguous source %s: %d jobs match", source, len(ids)), nil)
		}
	}

	return nil, reconciliationFailure(fmt.Sprintf("no job matches source %s", loc), nil)
}

func (r *Resolver) lookup(ctx context.Context, jobID string) (*Record, error) {
	record, err := r.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("job lookup: %w", err)
	}
	return record, nil
}

// DeriveJobID はストレージキーからジョブIDの候補を導出します。
// 例: "pdf/report_20240101_120000_ab12cd34_chunk_3.pdf" -> "report_20240101_120000_ab12cd34"
func DeriveJobID(key string) string {
	base := path.Base(strings.TrimSpace(key))
	if base == "." || base == "/" {
		return ""
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	return chunkSuffix.ReplaceAllString(base, "")
}

// sourceCandidates はチャンクのキーなら元の入力キーも候補に加えます。
func sourceCandidates(loc Location) []Location {
	candidates := []Location{loc}
	ext := path.Ext(loc.Key)
	stem := strings.TrimSuffix(loc.Key, ext)
	if original := chunkSuffix.ReplaceAllString(stem, ""); original != stem {
		candidates = append(candidates, Location{Bucket: loc.Bucket, Key: original + ext})
	}
	return candidates
}

// DecodeInvocationInput は文字列エンコードされた入力も受け付けます。
func DecodeInvocationInput(raw json.RawMessage) (InvocationInput, error) {
	var input InvocationInput
	payload := unwrapJSONString(raw)
	if len(payload) == 0 {
		return input, nil
	}
	if err := json.Unmarshal(payload, &input); err != nil {
		return InvocationInput{}, err
	}
	return input, nil
}

func reconciliationFailure(message string, err error) *Error {
	return newError(KindReconciliation, "RECONCILIATION_FAILED", message, err)
}
