package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"parley/internal/store"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	MaxUploadBytes = 20 << 20
	linkTTL        = 15 * time.Minute
)

var (
	ErrTooLarge  = errors.New("attachments: file too large")
	ErrEmpty     = errors.New("attachments: empty file")
	ErrForbidden = errors.New("attachments: not the owner")
	ErrDisabled  = errors.New("attachments: object storage is not configured")
)

// ObjectStore is the subset of an S3-compatible bucket used for attachments.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key, fileName string, ttl time.Duration) (string, error)
}

type MetadataStore interface {
	InsertAttachment(ctx context.Context, item store.Attachment) error
	GetAttachment(ctx context.Context, attachmentID string) (store.Attachment, error)
}

type Upload struct {
	UserID      string
	ChatID      string
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

type Service struct {
	objects ObjectStore
	meta    MetadataStore
}

// NewService returns a service that fails every call with ErrDisabled when
// objects is nil.
func NewService(objects ObjectStore, meta MetadataStore) *Service {
	return &Service{objects: objects, meta: meta}
}

func (s *Service) Enabled() bool {
	return s != nil && s.objects != nil
}

func (s *Service) Upload(ctx context.Context, in Upload) (store.Attachment, error) {
	if !s.Enabled() {
		return store.Attachment{}, ErrDisabled
	}
	if in.Size <= 0 {
		return store.Attachment{}, ErrEmpty
	}
	if in.Size > MaxUploadBytes {
		return store.Attachment{}, ErrTooLarge
	}
	contentType := strings.TrimSpace(in.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	fileName := cleanFileName(in.FileName)

	item := store.Attachment{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		FileName:    fileName,
		ContentType: contentType,
		Size:        in.Size,
	}
	if in.ChatID != "" {
		chatID := in.ChatID
		item.ChatID = &chatID
	}
	item.ObjectKey = path.Join(in.UserID, item.ID, fileName)

	if err := s.objects.Put(ctx, item.ObjectKey, io.LimitReader(in.Body, in.Size), in.Size, contentType); err != nil {
		return store.Attachment{}, fmt.Errorf("upload object: %w", err)
	}
	if err := s.meta.InsertAttachment(ctx, item); err != nil {
		return store.Attachment{}, err
	}
	item.CreatedAt = time.Now().UTC()
	return item, nil
}

// Link returns a short-lived download URL for an attachment the caller owns.
func (s *Service) Link(ctx context.Context, userID, attachmentID string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	item, err := s.meta.GetAttachment(ctx, attachmentID)
	if err != nil {
		return "", err
	}
	if item.UserID != userID {
		return "", ErrForbidden
	}
	link, err := s.objects.PresignGet(ctx, item.ObjectKey, item.FileName, linkTTL)
	if err != nil {
		return "", fmt.Errorf("presign attachment: %w", err)
	}
	return link, nil
}

func cleanFileName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

// MinioStore keeps attachments in a MinIO or other S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (m *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (m *MinioStore) PresignGet(ctx context.Context, key, fileName string, ttl time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, ttl, params)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
