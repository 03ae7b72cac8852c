package jobs

import (
	"strings"
	"time"
)

// Status はジョブのライフサイクル上の状態を表します。
type Status string

const (
	StatusUploaded         Status = "UPLOADED"
	StatusAnalyzing        Status = "ANALYZING"
	StatusAnalysisComplete Status = "ANALYSIS_COMPLETE"
	StatusProcessing       Status = "PROCESSING"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusCancelled        Status = "CANCELLED"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid は既知の状態かどうかを返します。
func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusAnalyzing, StatusAnalysisComplete, StatusProcessing,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Complexity は修復作業量の3段階評価です（simple < moderate < complex）。
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// MetricsSource は見積もりの根拠を表します。
type MetricsSource string

const (
	MetricsFromContent MetricsSource = "content"
	MetricsFromSize    MetricsSource = "size_fallback"
)

// Location はブロブストア上の位置（バケット + キー）です。
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// IsZero はキーが未設定かどうかを返します。
func (l Location) IsZero() bool {
	return strings.TrimSpace(l.Key) == ""
}

// String は "bucket/key" 形式を返します。
func (l Location) String() string {
	if l.Bucket == "" {
		return l.Key
	}
	return l.Bucket + "/" + l.Key
}

// Metrics は解析結果の見積もり値です。
type Metrics struct {
	Pages                   int           `json:"pages"`
	EstimatedElements       int           `json:"estimated_elements"`
	AvgElementsPerPage      int           `json:"avg_elements_per_page"`
	Complexity              Complexity    `json:"complexity"`
	EstimatedTransactions   int           `json:"estimated_transactions"`
	EstimatedCostPercentage float64       `json:"estimated_cost_percentage"`
	Source                  MetricsSource `json:"source"`
}

// ProcessingMetadata はワークフロー起動時点のスナップショットです。
// 完了通知の照合に使うため、起動後は書き換えません。
type ProcessingMetadata struct {
	Source      Location  `json:"source"`
	ExecutionID string    `json:"execution_id"`
	StartedAt   time.Time `json:"started_at"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID              string              `json:"job_id"`
	Owner              string              `json:"owner"`
	OwnerEmail         string              `json:"owner_email,omitempty"`
	FileName           string              `json:"file_name"`
	Status             Status              `json:"status"`
	Source             Location            `json:"source"`
	Result             *Location           `json:"result,omitempty"`
	SizeBytes          int64               `json:"size_bytes"`
	SizeMB             float64             `json:"size_mb"`
	Metrics            *Metrics            `json:"metrics,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	ProcessingMetadata *ProcessingMetadata `json:"processing_metadata,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	ExpiresAt          time.Time           `json:"expires_at"`
}

// Clone はポインタフィールドも含めて複製します。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Result != nil {
		result := *r.Result
		cp.Result = &result
	}
	if r.Metrics != nil {
		metrics := *r.Metrics
		cp.Metrics = &metrics
	}
	if r.ProcessingMetadata != nil {
		meta := *r.ProcessingMetadata
		cp.ProcessingMetadata = &meta
	}
	return &cp
}

// SourceIndexKey は照合用インデックスのキーを返します。未起動なら空文字です。
func (r *Record) SourceIndexKey() string {
	if r == nil || r.ProcessingMetadata == nil || r.ProcessingMetadata.Source.IsZero() {
		return ""
	}
	return r.ProcessingMetadata.Source.String()
}
