// Package storage はストレージ抽象化レイヤーを提供します。
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound はキーに対応するオブジェクトが存在しないことを表します。
var ErrNotFound = errors.New("object not found")

// Object は一覧取得の1件分です。
type Object struct {
	Key  string
	Size int64
}

// Blobs はバケット内のオブジェクトをキーで扱います。
type Blobs interface {
	Put(ctx context.Context, bucket, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Stat(ctx context.Context, bucket, key string) (*Object, error)
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
}
