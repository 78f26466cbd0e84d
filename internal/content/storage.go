// Package content отвечает за разрешение документов курса в ссылки на скачивание.
package content

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

const defaultLinkTTL = 15 * time.Minute

// Storage разрешает ключ объекта документа во временную подписанную ссылку
// в S3-совместимом хранилище.
type Storage struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
}

// NewStorage создаёт хранилище документов поверх указанного bucket.
func NewStorage(client *minio.Client, bucket string) *Storage {
	return &Storage{
		client: client,
		bucket: strings.TrimSpace(bucket),
		ttl:    defaultLinkTTL,
	}
}

// ResolveLocation возвращает подписанную GET-ссылку на объект документа.
// Ссылка действительна ограниченное время; право доступа проверяется до вызова.
func (s *Storage) ResolveLocation(ctx context.Context, objectKey string) (string, error) {
	if s == nil || s.client == nil {
		return "", fmt.Errorf("content storage not configured")
	}
	if s.bucket == "" {
		return "", fmt.Errorf("content bucket is empty")
	}

	objectKey = strings.TrimSpace(objectKey)
	if objectKey == "" {
		return "", fmt.Errorf("object key is empty")
	}

	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, s.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}

	return presigned.String(), nil
}
