// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアの種別
const (
	StoreDriverRedis  = "redis"
	StoreDriverSQLite = "sqlite"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 認証設定
	AppUsername     string            // 単一ユーザー構成時のユーザー名
	AppPasswordHash string            // 単一ユーザー構成時の bcrypt ハッシュ
	AppUsers        map[string]string // ユーザー名 -> bcrypt ハッシュ（APP_USERS）
	SessionSecret   string            // セッション署名用の秘密鍵
	CallbackToken   string            // ワークフロー完了コールバックの共有トークン

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ログ設定
	LogLevel  string // debug, info, warn, error
	LogFormat string // json, text

	// ファイル制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）

	// ジョブ設定
	StoreDriver        string        // redis または sqlite
	QueueRedisURL      string        // ジョブストア/Asynq 共用の Redis 接続URL
	SQLitePath         string        // sqlite ドライバ使用時のDBファイル
	JobTTL             time.Duration // 作成からの有効期限
	JobListLimit       int           // 一覧取得の最大件数
	ResolverScanLimit  int           // 完了通知の照合で参照する候補数の上限
	CleanupConcurrency int           // ブロブ削除の並列数
	WorkerConcurrency  int           // Asynq ワーカーの並列数
	WorkflowQueue      string        // 修復ワークフローを投入するキュー名
	AutoAnalyze        bool          // アップロード直後に解析タスクを投入するか

	// ブロブストレージ設定
	BlobRoot     string // ローカルストレージのルートディレクトリ
	BlobBucket   string // 論理バケット名
	UploadPrefix string // 入力PDFのキー接頭辞
	ResultPrefix string // 修復済みPDFのキー接頭辞
	TempPrefix   string // 解析レポート等の一時ファイルの接頭辞

	// 見積もり設定
	Estimator EstimatorConfig
}

// EstimatorConfig はページ数・要素数の見積もりに使う定数です。
type EstimatorConfig struct {
	BaseElementsPerPage     int     // ページ毎の構造要素ベースライン
	FallbackElementsPerPage int     // サイズからの推定時の平均要素数
	FallbackPagesPerMB      float64 // サイズからの推定時の MB あたりページ数
	ModerateThreshold       int     // この値以上で moderate
	ComplexThreshold        int     // この値以上で complex
	TransactionsPerPage     int     // ページあたりのトランザクション数
	QuotaLimit              int     // トランザクションのクォータ上限
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		AppUsers:        parseUsers(getEnv("APP_USERS", "")),
		SessionSecret:   getEnv("SESSION_SECRET", ""),
		CallbackToken:   getEnv("CALLBACK_TOKEN", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB

		StoreDriver:        strings.ToLower(getEnv("STORE_DRIVER", StoreDriverRedis)),
		QueueRedisURL:      getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		SQLitePath:         getEnv("SQLITE_PATH", "./data/jobs.db"),
		JobTTL:             time.Duration(getEnvAsInt("JOB_EXPIRE_DAYS", 7)) * 24 * time.Hour,
		JobListLimit:       getEnvAsInt("JOB_LIST_LIMIT", 50),
		ResolverScanLimit:  getEnvAsInt("RESOLVER_SCAN_LIMIT", 10),
		CleanupConcurrency: getEnvAsInt("CLEANUP_CONCURRENCY", 4),
		WorkerConcurrency:  getEnvAsInt("WORKER_CONCURRENCY", 4),
		WorkflowQueue:      getEnv("WORKFLOW_QUEUE", "remediation"),
		AutoAnalyze:        getEnvAsBool("AUTO_ANALYZE", true),

		BlobRoot:     getEnv("BLOB_ROOT", "/tmp/app/blobs"),
		BlobBucket:   getEnv("BLOB_BUCKET", "pdf-remediation"),
		UploadPrefix: getEnv("UPLOAD_PREFIX", "pdf/"),
		ResultPrefix: getEnv("RESULT_PREFIX", "result/"),
		TempPrefix:   getEnv("TEMP_PREFIX", "temp/"),

		Estimator: EstimatorConfig{
			BaseElementsPerPage:     getEnvAsInt("ESTIMATE_BASE_ELEMENTS", 10),
			FallbackElementsPerPage: getEnvAsInt("ESTIMATE_FALLBACK_ELEMENTS", 30),
			FallbackPagesPerMB:      getEnvAsFloat("ESTIMATE_FALLBACK_PAGES_PER_MB", 10),
			ModerateThreshold:       getEnvAsInt("ESTIMATE_MODERATE_THRESHOLD", 50),
			ComplexThreshold:        getEnvAsInt("ESTIMATE_COMPLEX_THRESHOLD", 150),
			TransactionsPerPage:     getEnvAsInt("ESTIMATE_TRANSACTIONS_PER_PAGE", 10),
			QuotaLimit:              getEnvAsInt("ESTIMATE_QUOTA_LIMIT", 25000),
		},
	}

	if config.AppUsername != "" && config.AppPasswordHash != "" {
		if _, ok := config.AppUsers[config.AppUsername]; !ok {
			config.AppUsers[config.AppUsername] = config.AppPasswordHash
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// DefaultEstimator は既定の見積もり定数を返します。
func DefaultEstimator() EstimatorConfig {
	return EstimatorConfig{
		BaseElementsPerPage:     10,
		FallbackElementsPerPage: 30,
		FallbackPagesPerMB:      10,
		ModerateThreshold:       50,
		ComplexThreshold:        150,
		TransactionsPerPage:     10,
		QuotaLimit:              25000,
	}
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverRedis, StoreDriverSQLite:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverRedis, StoreDriverSQLite, c.StoreDriver)
	}
	if c.Estimator.ModerateThreshold >= c.Estimator.ComplexThreshold {
		return fmt.Errorf("ESTIMATE_MODERATE_THRESHOLD must be lower than ESTIMATE_COMPLEX_THRESHOLD")
	}
	if c.Estimator.QuotaLimit <= 0 {
		return fmt.Errorf("ESTIMATE_QUOTA_LIMIT must be positive")
	}
	if c.JobTTL <= 0 {
		return fmt.Errorf("JOB_EXPIRE_DAYS must be positive")
	}

	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if len(c.AppUsers) == 0 {
			return fmt.Errorf("APP_USERS or APP_USERNAME/APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.CallbackToken == "" {
			return fmt.Errorf("CALLBACK_TOKEN is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
	}

	return nil
}

// parseUsers は "alice=<hash>,bob=<hash>" 形式を解析します。
func parseUsers(raw string) map[string]string {
	users := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		hash = strings.TrimSpace(hash)
		if !ok || name == "" || hash == "" {
			continue
		}
		users[name] = hash
	}
	return users
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
