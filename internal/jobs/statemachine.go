package jobs

import (
	"fmt"
	"time"
)

// Trigger はジョブ状態を動かす外部イベントです。
type Trigger string

const (
	TriggerAnalyze         Trigger = "analyze"
	TriggerAnalysisDone    Trigger = "analysis_done"
	TriggerAnalysisFailed  Trigger = "analysis_failed"
	TriggerStart           Trigger = "start"
	TriggerStartFailed     Trigger = "start_failed"
	TriggerCompleteSuccess Trigger = "complete_success"
	TriggerCompleteFailure Trigger = "complete_failure"
	TriggerCancel          Trigger = "cancel"
)

type transitionRule struct {
	from []Status
	to   Status
}

var nonTerminal = []Status{
	StatusUploaded,
	StatusAnalyzing,
	StatusAnalysisComplete,
	StatusProcessing,
}

var transitionTable = map[Trigger]transitionRule{
	TriggerAnalyze:         {from: []Status{StatusUploaded}, to: StatusAnalyzing},
	TriggerAnalysisDone:    {from: []Status{StatusAnalyzing}, to: StatusAnalysisComplete},
	TriggerAnalysisFailed:  {from: []Status{StatusAnalyzing}, to: StatusFailed},
	TriggerStart:           {from: []Status{StatusUploaded, StatusAnalysisComplete}, to: StatusProcessing},
	TriggerStartFailed:     {from: []Status{StatusProcessing}, to: StatusFailed},
	TriggerCompleteSuccess: {from: []Status{StatusProcessing}, to: StatusCompleted},
	TriggerCompleteFailure: {from: []Status{StatusProcessing}, to: StatusFailed},
	TriggerCancel:          {from: nonTerminal, to: StatusCancelled},
}

// edges は状態グラフの前進辺です。FAILED/CANCELLED への辺は CanTransition が補います。
var edges = map[Status][]Status{
	StatusUploaded:         {StatusAnalyzing, StatusProcessing},
	StatusAnalyzing:        {StatusAnalysisComplete},
	StatusAnalysisComplete: {StatusProcessing},
	StatusProcessing:       {StatusCompleted},
}

// Rule はトリガーの許可元状態と遷移先を返します。
func Rule(trigger Trigger) (from []Status, to Status, ok bool) {
	rule, ok := transitionTable[trigger]
	if !ok {
		return nil, "", false
	}
	return append([]Status(nil), rule.from...), rule.to, true
}

// CanTransition は from から to への遷移が状態グラフ上で許されるかを返します。
func CanTransition(from, to Status) bool {
	if from.Terminal() || !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckRecord はレコード単体の不変条件を検証します。
func CheckRecord(r *Record) error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if r.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if r.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if r.Result != nil && r.Status != StatusCompleted {
		return fmt.Errorf("result location set on %s job", r.Status)
	}
	if r.ErrorMessage != "" && r.Status != StatusFailed && r.Status != StatusCancelled {
		return fmt.Errorf("error_message set on %s job", r.Status)
	}
	return nil
}

// CheckNew は新規作成するレコードを検証します。作成時は UPLOADED のみ許します。
func CheckNew(r *Record) error {
	if err := CheckRecord(r); err != nil {
		return invalidInput(err.Error())
	}
	if r.Status != StatusUploaded {
		return invalidInput(fmt.Sprintf("new job must start in %s", StatusUploaded))
	}
	if r.ProcessingMetadata != nil || r.Result != nil {
		return invalidInput("new job must not carry processing results")
	}
	return nil
}

// ApplyTransition は prev に mutate を適用した新しいレコードを返します。
// 前提条件・状態グラフ・不変条件のいずれかを満たさない場合は prev を変更せずエラーを返します。
// ストア実装は読み込みと書き込みの間でこの関数を呼び、結果を原子的に書き戻します。
func ApplyTransition(prev *Record, allowed []Status, mutate func(*Record) error, now time.Time) (*Record, error) {
	if prev == nil {
		return nil, fmt.Errorf("record is nil")
	}
	if len(allowed) > 0 && !containsStatus(allowed, prev.Status) {
		return nil, &TransitionError{JobID: prev.JobID, Current: prev.Status}
	}

	next := prev.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}

	if next.JobID != prev.JobID {
		return nil, fmt.Errorf("job_id is immutable")
	}
	if next.Owner != prev.Owner {
		return nil, fmt.Errorf("owner is immutable")
	}
	if !next.CreatedAt.Equal(prev.CreatedAt) {
		return nil, fmt.Errorf("created_at is immutable")
	}
	if next.Status != prev.Status && !CanTransition(prev.Status, next.Status) {
		return nil, &TransitionError{JobID: prev.JobID, Current: prev.Status, Target: next.Status}
	}
	if prev.ProcessingMetadata != nil && next.SourceIndexKey() != prev.SourceIndexKey() {
		return nil, fmt.Errorf("processing_metadata is immutable once captured")
	}
	if err := CheckRecord(next); err != nil {
		return nil, err
	}

	next.UpdatedAt = now.UTC()
	if next.UpdatedAt.Before(prev.UpdatedAt) {
		next.UpdatedAt = prev.UpdatedAt
	}
	return next, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
