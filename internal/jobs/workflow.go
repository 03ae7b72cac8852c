package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Invocation はワークフロー起動の入力です。
type Invocation struct {
	ExecutionID string
	JobID       string
	Owner       string
	Source      Location
}

// Payload はエンジンへ渡す入力ペイロードです。完了通知の input としてそのまま戻ってきます。
func (inv Invocation) Payload() InvocationInput {
	return InvocationInput{
		JobID:    inv.JobID,
		S3Bucket: inv.Source.Bucket,
		S3Key:    inv.Source.Key,
		Owner:    inv.Owner,
	}
}

// Workflow は修復ワークフローエンジンの起動口です。
// 完了は CompletionEvent として非同期に届き、ここでは待ちません。
type Workflow interface {
	Invoke(ctx context.Context, inv Invocation) error
}

// エンジンが報告する実行状態です。
const (
	EngineSucceeded = "SUCCEEDED"
	EngineFailed    = "FAILED"
	EngineTimedOut  = "TIMED_OUT"
	EngineAborted   = "ABORTED"
)

// CompletionEvent はワークフロー完了通知です（EventBridge の detail と同じ形）。
type CompletionEvent struct {
	ExecutionID string          `json:"executionArn"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Cause       string          `json:"cause,omitempty"`
}

// Outcome は成功かどうかと、失敗時の原因メッセージを返します。
func (e CompletionEvent) Outcome() (success bool, cause string, err error) {
	status := strings.ToUpper(strings.TrimSpace(e.Status))
	switch status {
	case EngineSucceeded:
		return true, "", nil
	case EngineFailed, EngineTimedOut, EngineAborted:
		cause = strings.TrimSpace(e.Cause)
		if cause == "" {
			cause = strings.TrimSpace(e.Error)
		}
		if cause == "" {
			cause = fmt.Sprintf("workflow execution %s", strings.ToLower(status))
		}
		return false, cause, nil
	default:
		return false, "", invalidInput(fmt.Sprintf("unsupported execution status %q", e.Status))
	}
}
