package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/pdf-remediation/internal/config"
	"github.com/yourusername/pdf-remediation/internal/storage"
)

const (
	bytesPerMB = 1024 * 1024

	// settleTimeout は呼び出し元が切断した後も状態を書き切るための上限です。
	settleTimeout = 10 * time.Second
)

// Estimator はドキュメントから見積もりを作ります。
type Estimator interface {
	Estimate(doc []byte, sizeBytes int64) (*Metrics, error)
}

// Manager はジョブのライフサイクルを調停します。
// 状態変更はすべて Store.Update の条件付き更新で行い、プロセス内のロックは持ちません。
type Manager struct {
	cfg       *config.Config
	store     Store
	blobs     storage.Blobs
	estimator Estimator
	workflow  Workflow
	resolver  *Resolver
	validate  *validator.Validate
	logger    logrus.FieldLogger
	now       func() time.Time
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store Store, blobs storage.Blobs, estimator Estimator, workflow Workflow, logger logrus.FieldLogger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if blobs == nil {
		return nil, errors.New("blobs is nil")
	}
	if estimator == nil {
		return nil, errors.New("estimator is nil")
	}
	if workflow == nil {
		return nil, errors.New("workflow is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Manager{
		cfg:       cfg,
		store:     store,
		blobs:     blobs,
		estimator: estimator,
		workflow:  workflow,
		resolver:  NewResolver(store, cfg.ResolverScanLimit, cfg.BlobBucket),
		validate:  validate,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// CreateRequest はジョブ作成の入力です。
type CreateRequest struct {
	JobID         string `json:"job_id" validate:"omitempty,max=200,excludesall=/\\"`
	FileName      string `json:"file_name" validate:"required,max=255"`
	S3Key         string `json:"s3_key" validate:"required,max=1024"`
	S3Bucket      string `json:"s3_bucket" validate:"omitempty,max=255"`
	FileSizeBytes int64  `json:"file_size_bytes" validate:"gte=0"`
	OwnerEmail    string `json:"owner_email" validate:"omitempty,email"`
}

// Create は UPLOADED のジョブを作成します。
func (m *Manager) Create(ctx context.Context, caller string, req CreateRequest) (*Record, error) {
	if caller == "" {
		return nil, newError(KindForbidden, "UNAUTHORIZED", "missing caller identity", nil)
	}
	req.FileName = strings.TrimSpace(req.FileName)
	req.S3Key = strings.TrimSpace(req.S3Key)
	if err := m.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	now := m.now().UTC()
	bucket := req.S3Bucket
	if bucket == "" {
		bucket = m.cfg.BlobBucket
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = GenerateJobID(req.FileName, now)
	}

	size := req.FileSizeBytes
	if size == 0 {
		obj, err := m.blobs.Stat(ctx, bucket, req.S3Key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, invalidInput(fmt.Sprintf("source object not found: %s/%s", bucket, req.S3Key))
		case err != nil:
			return nil, dependencyFailure("failed to stat source object", err)
		}
		size = obj.Size
	}

	record := &Record{
		JobID:      jobID,
		Owner:      caller,
		OwnerEmail: req.OwnerEmail,
		FileName:   req.FileName,
		Status:     StatusUploaded,
		Source:     Location{Bucket: bucket, Key: req.S3Key},
		SizeBytes:  size,
		SizeMB:     SizeMB(size),
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.JobTTL),
	}
	if err := m.store.Create(ctx, record); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"job_id": record.JobID,
		"owner":  record.Owner,
		"source": record.Source.String(),
		"size":   record.SizeBytes,
	}).Info("job created")
	return record, nil
}

// Analyze は見積もりを実行します。caller が空の場合はシステム起動（自動解析）とみなします。
// ANALYZING を先に書き込み、見積もり失敗時は FAILED に進めます。
func (m *Manager) Analyze(ctx context.Context, caller, jobID string) (*Record, error) {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if caller != "" {
		if err := Authorize(record, caller); err != nil {
			return nil, err
		}
	}

	record, err = m.transition(ctx, jobID, TriggerAnalyze, nil)
	if err != nil {
		return nil, err
	}

	doc, err := m.blobs.Get(ctx, record.Source.Bucket, record.Source.Key)
	if err != nil {
		return m.fail(ctx, record, TriggerAnalysisFailed, dependencyFailure("failed to read document", err))
	}
	metrics, err := m.estimator.Estimate(doc, record.SizeBytes)
	if err != nil {
		return m.fail(ctx, record, TriggerAnalysisFailed, dependencyFailure("analysis failed", err))
	}

	wctx, cancel := settleContext(ctx)
	defer cancel()
	record, err = m.transition(wctx, jobID, TriggerAnalysisDone, func(r *Record) error {
		r.Metrics = metrics
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"job_id":     jobID,
		"pages":      metrics.Pages,
		"complexity": metrics.Complexity,
		"source":     metrics.Source,
	}).Info("job analyzed")
	return record, nil
}

// Start は PROCESSING に進めてワークフローを起動します。
// 起動時の入力位置と実行IDをスナップショットとして保存してから起動します。
func (m *Manager) Start(ctx context.Context, caller, jobID string) (*Record, error) {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(record, caller); err != nil {
		return nil, err
	}

	executionID := uuid.NewString()
	record, err = m.transition(ctx, jobID, TriggerStart, func(r *Record) error {
		r.ProcessingMetadata = &ProcessingMetadata{
			Source:      r.Source,
			ExecutionID: executionID,
			StartedAt:   m.now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.workflow.Invoke(ctx, Invocation{
		ExecutionID: executionID,
		JobID:       record.JobID,
		Owner:       record.Owner,
		Source:      record.Source,
	}); err != nil {
		return m.fail(ctx, record, TriggerStartFailed, dependencyFailure("failed to start workflow", err))
	}

	m.logger.WithFields(logrus.Fields{
		"job_id":       jobID,
		"execution_id": executionID,
	}).Info("workflow started")
	return record, nil
}

// CleanupResult はブロブ削除の結果です。失敗は警告として集めます。
type CleanupResult struct {
	DeletedFiles []string `json:"deleted_files"`
	Warnings     []string `json:"warnings,omitempty"`
}

// CancelResult はキャンセルの結果です。
type CancelResult struct {
	Job *Record `json:"job"`
	CleanupResult
}

// Cancel は非終端のジョブを CANCELLED にします。deleteFile が true なら入力PDFも削除します。
func (m *Manager) Cancel(ctx context.Context, caller, jobID string, deleteFile bool) (*CancelResult, error) {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(record, caller); err != nil {
		return nil, err
	}

	record, err = m.transition(ctx, jobID, TriggerCancel, func(r *Record) error {
		r.ErrorMessage = "cancelled by user"
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &CancelResult{Job: record, CleanupResult: CleanupResult{DeletedFiles: []string{}}}
	if deleteFile {
		result.CleanupResult = m.removeBlobs(ctx, record.Source.Bucket, []string{record.Source.Key}, nil)
	}

	m.logger.WithFields(logrus.Fields{
		"job_id":   jobID,
		"deleted":  len(result.DeletedFiles),
		"warnings": len(result.Warnings),
	}).Info("job cancelled")
	return result, nil
}

// DeleteResult は削除の結果です。
type DeleteResult struct {
	JobID string `json:"job_id"`
	CleanupResult
}

// Delete はレコードを削除し、cleanup が true なら関連ブロブも削除します。
func (m *Manager) Delete(ctx context.Context, caller, jobID string, cleanup bool) (*DeleteResult, error) {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(record, caller); err != nil {
		return nil, err
	}

	removed, err := m.store.Delete(ctx, jobID)
	if err != nil {
		return nil, err
	}

	result := &DeleteResult{JobID: jobID, CleanupResult: CleanupResult{DeletedFiles: []string{}}}
	if cleanup {
		keys, prefixes := m.relatedKeys(removed)
		result.CleanupResult = m.removeBlobs(ctx, removed.Source.Bucket, keys, prefixes)
		if removed.Result != nil && removed.Result.Bucket != removed.Source.Bucket {
			extra := m.removeBlobs(ctx, removed.Result.Bucket, []string{removed.Result.Key}, nil)
			result.DeletedFiles = append(result.DeletedFiles, extra.DeletedFiles...)
			result.Warnings = append(result.Warnings, extra.Warnings...)
		}
	}

	m.logger.WithFields(logrus.Fields{
		"job_id":   jobID,
		"deleted":  len(result.DeletedFiles),
		"warnings": len(result.Warnings),
	}).Info("job deleted")
	return result, nil
}

// Get は所有者に限りジョブを返します。
func (m *Manager) Get(ctx context.Context, caller, jobID string) (*Record, error) {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(record, caller); err != nil {
		return nil, err
	}
	return record, nil
}

// List は caller のジョブを新しい順に返します。limit は設定値で頭打ちにします。
func (m *Manager) List(ctx context.Context, caller string, limit int) ([]*Record, error) {
	if caller == "" {
		return nil, newError(KindForbidden, "UNAUTHORIZED", "missing caller identity", nil)
	}
	if limit <= 0 || limit > m.cfg.JobListLimit {
		limit = m.cfg.JobListLimit
	}
	return m.store.ListByOwner(ctx, caller, limit)
}

// CompletionOutcome は完了通知の処理結果です。
type CompletionOutcome struct {
	JobID  string        `json:"job_id"`
	Method ResolveMethod `json:"resolved_by"`
	Status Status        `json:"status"`
	// NoOp は既に終端だったため何も変更しなかったことを表します。
	NoOp bool `json:"no_op"`
	// Degraded は成功通知から成果物の位置を取り出せなかったことを表します。
	Degraded bool    `json:"degraded"`
	Record   *Record `json:"-"`
}

// HandleCompletion はワークフローエンジンの完了通知を反映します。
// 終端状態のジョブへの通知は成功扱いの no-op で、updated_at も変えません。
func (m *Manager) HandleCompletion(ctx context.Context, event CompletionEvent) (*CompletionOutcome, error) {
	success, cause, err := event.Outcome()
	if err != nil {
		return nil, err
	}

	log := m.logger.WithFields(logrus.Fields{
		"execution_id": event.ExecutionID,
		"engine_state": event.Status,
	})

	res, err := m.resolver.Resolve(ctx, event.Input)
	if err != nil {
		log.WithError(err).Warn("completion signal could not be reconciled")
		return nil, err
	}
	log = log.WithFields(logrus.Fields{"job_id": res.JobID, "resolved_by": res.Method})

	outcome := &CompletionOutcome{JobID: res.JobID, Method: res.Method}
	if res.Record.Status.Terminal() {
		log.WithField("status", res.Record.Status).Info("completion for terminal job ignored")
		return m.noOp(outcome, res.Record), nil
	}

	var (
		trigger Trigger
		mutate  func(*Record) error
	)
	if success {
		result := ExtractResult(event.Output, m.cfg.ResultPrefix)
		outcome.Degraded = !result.Found
		trigger = TriggerCompleteSuccess
		mutate = func(r *Record) error {
			if result.Found {
				r.Result = &Location{Bucket: r.Source.Bucket, Key: result.Key}
			}
			return nil
		}
	} else {
		trigger = TriggerCompleteFailure
		mutate = func(r *Record) error {
			r.ErrorMessage = cause
			return nil
		}
	}

	record, err := m.transition(ctx, res.JobID, trigger, mutate)
	if err != nil {
		var te *TransitionError
		if errors.As(err, &te) && te.AlreadyTerminal() {
			// 判定後に別のトリガーが先に終端へ進めた
			current, getErr := m.store.Get(ctx, res.JobID)
			if getErr != nil {
				return nil, getErr
			}
			log.WithField("status", current.Status).Info("completion lost race to terminal transition")
			return m.noOp(outcome, current), nil
		}
		log.WithError(err).Warn("completion rejected")
		return nil, err
	}

	outcome.Status = record.Status
	outcome.Record = record
	entry := log.WithField("status", record.Status)
	switch {
	case outcome.Degraded:
		entry.Warn("job completed without result location")
	case success:
		entry.WithField("result", record.Result.String()).Info("job completed")
	default:
		entry.WithField("cause", cause).Info("job failed")
	}
	return outcome, nil
}

func (m *Manager) noOp(outcome *CompletionOutcome, record *Record) *CompletionOutcome {
	outcome.NoOp = true
	outcome.Status = record.Status
	outcome.Record = record
	return outcome
}

// transition はトリガーの遷移表に従って条件付き更新を行います。
func (m *Manager) transition(ctx context.Context, jobID string, trigger Trigger, mutate func(*Record) error) (*Record, error) {
	from, to, ok := Rule(trigger)
	if !ok {
		return nil, fmt.Errorf("unknown trigger %q", trigger)
	}
	return m.store.Update(ctx, jobID, from, func(r *Record) error {
		r.Status = to
		if mutate != nil {
			return mutate(r)
		}
		return nil
	})
}

// fail は原因を error_message に記録して FAILED へ進め、cause を返します。
// 呼び出し元のキャンセルとは切り離して書き込みます。
func (m *Manager) fail(ctx context.Context, record *Record, trigger Trigger, cause *Error) (*Record, error) {
	message := cause.Message
	if cause.Err != nil {
		message = fmt.Sprintf("%s: %v", cause.Message, cause.Err)
	}
	wctx, cancel := settleContext(ctx)
	defer cancel()
	failed, err := m.transition(wctx, record.JobID, trigger, func(r *Record) error {
		r.ErrorMessage = message
		return nil
	})
	if err != nil {
		m.logger.WithError(err).WithField("job_id", record.JobID).Error("failed to record job failure")
		return nil, err
	}
	m.logger.WithFields(logrus.Fields{
		"job_id":  record.JobID,
		"trigger": trigger,
	}).WithError(cause).Warn("job failed")
	return failed, cause
}

func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// relatedKeys は削除対象の関連キーと、分割チャンクを探す接頭辞を返します。
func (m *Manager) relatedKeys(record *Record) (keys, prefixes []string) {
	keys = append(keys, record.Source.Key)
	if record.Result != nil && record.Result.Bucket == record.Source.Bucket {
		keys = append(keys, record.Result.Key)
	}
	stem := strings.TrimSuffix(path.Base(record.Source.Key), path.Ext(record.Source.Key))
	keys = append(keys, m.cfg.TempPrefix+stem+"_accessibility_report.json")
	prefixes = append(prefixes, strings.TrimSuffix(record.Source.Key, path.Ext(record.Source.Key))+"_chunk_")
	return keys, prefixes
}

// removeBlobs はベストエフォートでブロブを削除します。存在しないキーは警告にしません。
func (m *Manager) removeBlobs(ctx context.Context, bucket string, keys, prefixes []string) CleanupResult {
	result := CleanupResult{DeletedFiles: []string{}}
	var mu sync.Mutex
	warn := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		result.Warnings = append(result.Warnings, fmt.Sprintf(format, args...))
	}

	targets := append([]string(nil), keys...)
	for _, prefix := range prefixes {
		objects, err := m.blobs.List(ctx, bucket, prefix)
		if err != nil {
			warn("failed to list %s: %v", prefix, err)
			continue
		}
		for _, obj := range objects {
			targets = append(targets, obj.Key)
		}
	}

	seen := make(map[string]struct{}, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, m.cfg.CleanupConcurrency))
	for _, key := range targets {
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		key := key
		g.Go(func() error {
			err := m.blobs.Delete(gctx, bucket, key)
			switch {
			case err == nil:
				mu.Lock()
				result.DeletedFiles = append(result.DeletedFiles, key)
				mu.Unlock()
			case errors.Is(err, storage.ErrNotFound):
			default:
				warn("failed to delete %s: %v", key, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.DeletedFiles)
	sort.Strings(result.Warnings)
	for _, w := range result.Warnings {
		m.logger.WithField("bucket", bucket).Warn(w)
	}
	return result
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// GenerateJobID は "<ファイル名>_<YYYYMMDD_HHMMSS>_<8桁>" 形式のIDを作ります。
func GenerateJobID(fileName string, now time.Time) string {
	stem := strings.TrimSuffix(path.Base(fileName), path.Ext(fileName))
	stem = strings.Trim(unsafeIDChars.ReplaceAllString(stem, "_"), "_")
	stem = chunkSuffix.ReplaceAllString(stem, "")
	if stem == "" {
		stem = "document"
	}
	if len(stem) > 100 {
		stem = stem[:100]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", stem, now.UTC().Format("20060102_150405"), suffix)
}

// SizeMB はバイト数を MB（小数第2位で丸め）に換算します。
func SizeMB(sizeBytes int64) float64 {
	return math.Round(float64(sizeBytes)/bytesPerMB*100) / 100
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalidInput(err.Error())
	}
	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s (value: %s)", msg, fe.Param())
		}
		messages = append(messages, msg)
	}
	return invalidInput(strings.Join(messages, "; "))
}
