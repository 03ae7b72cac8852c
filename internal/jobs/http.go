package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/pdf-remediation/internal/auth"
)

// AnalyzeScheduler は自動解析タスクを投入します。
type AnalyzeScheduler interface {
	ScheduleAnalyze(ctx context.Context, jobID string) error
}

// Handler はジョブ操作の HTTP ハンドラーです。
type Handler struct {
	manager   *Manager
	scheduler AnalyzeScheduler
	logger    logrus.FieldLogger
}

// NewHandler は Handler を作成します。scheduler が nil の場合は自動解析を行いません。
func NewHandler(manager *Manager, scheduler AnalyzeScheduler, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{manager: manager, scheduler: scheduler, logger: logger}
}

// RegisterRoutes はログイン必須のルートを登録します。
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/uploads", h.Upload)
	rg.POST("/jobs", h.Create)
	rg.GET("/jobs", h.List)
	rg.GET("/jobs/:id", h.Get)
	rg.POST("/jobs/:id/analyze", h.Analyze)
	rg.POST("/jobs/:id/start", h.Start)
	rg.POST("/jobs/:id/cancel", h.Cancel)
	rg.DELETE("/jobs/:id", h.Delete)
}

// Create は POST /api/jobs のハンドラーです。
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "file_name と s3_key を JSON で送ってください。",
		})
		return
	}
	record, err := h.manager.Create(c.Request.Context(), auth.Subject(c), req)
	if err != nil {
		respondWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, record)
}

// Upload は POST /api/uploads のハンドラーです。PDFを保存してジョブを作成します。
func (h *Handler) Upload(c *gin.Context) {
	cfg := h.manager.cfg
	caller := auth.Subject(c)
	if caller == "" {
		respondWithError(c, newError(KindForbidden, "UNAUTHORIZED", "missing caller identity", nil), nil)
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "multipart/form-data の file にPDFファイルを指定してください。",
		})
		return
	}
	if cfg.MaxFileSize > 0 && header.Size > cfg.MaxFileSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "LIMIT_EXCEEDED",
			"message": fmt.Sprintf("ファイルサイズは %dMB 以下にしてください。", cfg.MaxFileSize/bytesPerMB),
		})
		return
	}

	file, err := header.Open()
	if err != nil {
		respondWithError(c, err, nil)
		return
	}
	defer file.Close()

	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		respondWithError(c, err, nil)
		return
	}
	if !mtype.Is("application/pdf") {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "UNSUPPORTED_TYPE",
			"message": fmt.Sprintf("PDFファイルのみ受け付けます（検出: %s）。", mtype.String()),
		})
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		respondWithError(c, err, nil)
		return
	}

	ctx := c.Request.Context()
	fileName := path.Base(strings.ReplaceAll(header.Filename, `\`, "/"))
	jobID := GenerateJobID(fileName, h.manager.now())
	key := cfg.UploadPrefix + jobID + ".pdf"
	size, err := h.manager.blobs.Put(ctx, cfg.BlobBucket, key, file)
	if err != nil {
		respondWithError(c, dependencyFailure("failed to store upload", err), nil)
		return
	}

	record, err := h.manager.Create(ctx, caller, CreateRequest{
		JobID:         jobID,
		FileName:      fileName,
		S3Key:         key,
		S3Bucket:      cfg.BlobBucket,
		FileSizeBytes: size,
	})
	if err != nil {
		_ = h.manager.blobs.Delete(ctx, cfg.BlobBucket, key)
		respondWithError(c, err, nil)
		return
	}

	if cfg.AutoAnalyze && h.scheduler != nil {
		if err := h.scheduler.ScheduleAnalyze(ctx, record.JobID); err != nil {
			h.logger.WithError(err).WithField("job_id", record.JobID).Warn("failed to schedule analysis")
		}
	}
	c.JSON(http.StatusCreated, record)
}

// List は GET /api/jobs のハンドラーです。
func (h *Handler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "limit には正の整数を指定してください。",
			})
			return
		}
		limit = n
	}
	records, err := h.manager.List(c.Request.Context(), auth.Subject(c), limit)
	if err != nil {
		respondWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  records,
		"count": len(records),
	})
}

// Get は GET /api/jobs/:id のハンドラーです。
func (h *Handler) Get(c *gin.Context) {
	record, err := h.manager.Get(c.Request.Context(), auth.Subject(c), c.Param("id"))
	if err != nil {
		respondWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, record)
}

// Analyze は POST /api/jobs/:id/analyze のハンドラーです。
func (h *Handler) Analyze(c *gin.Context) {
	record, err := h.manager.Analyze(c.Request.Context(), auth.Subject(c), c.Param("id"))
	if err != nil {
		respondWithError(c, err, record)
		return
	}
	c.JSON(http.StatusOK, record)
}

// Start は POST /api/jobs/:id/start のハンドラーです。
func (h *Handler) Start(c *gin.Context) {
	record, err := h.manager.Start(c.Request.Context(), auth.Subject(c), c.Param("id"))
	if err != nil {
		respondWithError(c, err, record)
		return
	}
	c.JSON(http.StatusOK, record)
}

type cancelRequest struct {
	DeleteFile bool `json:"delete_file"`
}

// Cancel は POST /api/jobs/:id/cancel のハンドラーです。
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "リクエストボディの JSON が不正です。",
		})
		return
	}
	result, err := h.manager.Cancel(c.Request.Context(), auth.Subject(c), c.Param("id"), req.DeleteFile)
	if err != nil {
		respondWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, result)
}

type deleteRequest struct {
	CleanupS3 *bool `json:"cleanup_s3"`
}

// Delete は DELETE /api/jobs/:id のハンドラーです。既定で関連ファイルも削除します。
func (h *Handler) Delete(c *gin.Context) {
	var req deleteRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "リクエストボディの JSON が不正です。",
		})
		return
	}
	cleanup := req.CleanupS3 == nil || *req.CleanupS3
	result, err := h.manager.Delete(c.Request.Context(), auth.Subject(c), c.Param("id"), cleanup)
	if err != nil {
		respondWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Callback は POST /api/callbacks/workflow のハンドラーです。
// EventBridge 形式（{"detail": {...}}）と detail 単体の両方を受け付けます。
func (h *Handler) Callback(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondWithError(c, err, nil)
		return
	}
	event, err := DecodeCompletionEvent(body)
	if err != nil {
		respondWithError(c, invalidInput(err.Error()), nil)
		return
	}

	outcome, err := h.manager.HandleCompletion(c.Request.Context(), event)
	if err != nil {
		respondWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// DecodeCompletionEvent は完了通知の本文を読み取ります。
func DecodeCompletionEvent(body []byte) (CompletionEvent, error) {
	var envelope struct {
		Detail *CompletionEvent `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return CompletionEvent{}, fmt.Errorf("invalid event body: %w", err)
	}
	if envelope.Detail != nil {
		return *envelope.Detail, nil
	}
	var event CompletionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return CompletionEvent{}, fmt.Errorf("invalid event body: %w", err)
	}
	if event.Status == "" {
		return CompletionEvent{}, errors.New("event status is required")
	}
	return event, nil
}

func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(c.Request.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// StatusCode はエラー分類に対応する HTTP ステータスを返します。
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidInput, KindInvalidTransition, KindReconciliation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondWithError はエラーを {code, message, current_status} 形式で返します。
// record がある場合（FAILED へ進めた後など）はその状態を current_status に載せます。
func respondWithError(c *gin.Context, err error, record *Record) {
	status := StatusCode(err)
	body := gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "サーバー内部でエラーが発生しました。",
	}

	var te *TransitionError
	var je *Error
	switch {
	case errors.As(err, &te):
		body["code"] = "INVALID_TRANSITION"
		body["current_status"] = te.Current
		if te.AlreadyTerminal() {
			body["message"] = fmt.Sprintf("ジョブは既に終了しています。現在の状態: %s", te.Current)
		} else {
			body["message"] = fmt.Sprintf("現在の状態では実行できません。現在の状態: %s", te.Current)
		}
	case errors.As(err, &je):
		code := je.Code
		if code == "" {
			code = je.Kind.String()
		}
		body["code"] = code
		if je.Kind != KindInternal && je.Message != "" {
			body["message"] = je.Message
		}
	}
	if record != nil {
		body["current_status"] = record.Status
	}
	c.JSON(status, body)
}
