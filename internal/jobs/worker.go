// Package jobs はPDF修復ジョブの状態管理と非同期タスクを提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	// TaskTypeRemediation は修復ワークフローの起動タスクです（外部ワーカーが処理します）。
	TaskTypeRemediation = "remediation:run"
	// TaskTypeCompletion はワークフロー完了通知です。
	TaskTypeCompletion = "workflow:completed"
	// TaskTypeAnalyze はアップロード直後の自動解析です。
	TaskTypeAnalyze = "job:analyze"

	// EventQueue はこのサーバーが処理するキューです。
	EventQueue = "jobs"
)

// AnalyzePayload は自動解析タスクのペイロードです。
type AnalyzePayload struct {
	JobID string `json:"job_id"`
}

// Dispatcher は Asynq にタスクを投入します。Workflow の実装でもあります。
type Dispatcher struct {
	client        *asynq.Client
	workflowQueue string
}

// NewDispatcher は Dispatcher を作成します。
func NewDispatcher(client *asynq.Client, workflowQueue string) *Dispatcher {
	return &Dispatcher{client: client, workflowQueue: workflowQueue}
}

// Invoke は修復タスクを投入します。実行IDをタスクIDに使うため、同じ起動の二重投入は1件になります。
func (d *Dispatcher) Invoke(ctx context.Context, inv Invocation) error {
	if inv.ExecutionID == "" {
		return fmt.Errorf("execution id is required")
	}
	body, err := json.Marshal(inv.Payload())
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeRemediation, body)
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(d.workflowQueue),
		asynq.TaskID(inv.ExecutionID),
		asynq.MaxRetry(0),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// ScheduleAnalyze は自動解析タスクを投入します。
func (d *Dispatcher) ScheduleAnalyze(ctx context.Context, jobID string) error {
	body, err := json.Marshal(AnalyzePayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeAnalyze, body)
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(EventQueue),
		asynq.TaskID("analyze:"+jobID),
		asynq.MaxRetry(1),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Worker は自動解析と完了通知のタスクを処理する Asynq サーバーです。
type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	manager *Manager
	logger  logrus.FieldLogger
}

// NewWorker は Worker を初期化します。
func NewWorker(opt asynq.RedisConnOpt, manager *Manager, concurrency int, logger logrus.FieldLogger) (*Worker, error) {
	if manager == nil {
		return nil, errors.New("manager is nil")
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			EventQueue: 1,
		},
		Logger: logger.WithField("component", "asynq"),
	})

	w := &Worker{
		server:  server,
		mux:     asynq.NewServeMux(),
		manager: manager,
		logger:  logger,
	}
	w.mux.HandleFunc(TaskTypeAnalyze, w.handleAnalyze)
	w.mux.HandleFunc(TaskTypeCompletion, w.handleCompletion)
	return w, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (w *Worker) StartWorkers() {
	go func() {
		if err := w.server.Run(w.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			w.logger.WithError(err).Error("asynq server stopped with error")
		}
	}()
}

// Shutdown はサーバーを停止します。
func (w *Worker) Shutdown(ctx context.Context) error {
	w.server.Shutdown()
	return nil
}

func (w *Worker) handleAnalyze(ctx context.Context, task *asynq.Task) error {
	var payload AnalyzePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode analyze payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing job_id in payload: %w", asynq.SkipRetry)
	}
	_, err := w.manager.Analyze(ctx, "", payload.JobID)
	return retryable(err)
}

func (w *Worker) handleCompletion(ctx context.Context, task *asynq.Task) error {
	var event CompletionEvent
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		return fmt.Errorf("decode completion event: %v: %w", err, asynq.SkipRetry)
	}
	_, err := w.manager.HandleCompletion(ctx, event)
	return retryable(err)
}

// retryable は状態に起因するエラーを再試行しないようにします。
// 照合に失敗した通知は上流のエンジン側の再送に任せます。
func retryable(err error) error {
	if err == nil {
		return nil
	}
	switch KindOf(err) {
	case KindInternal:
		return err
	default:
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
}
