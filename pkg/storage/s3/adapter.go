package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coldvault/pkg/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
)

// Adapter 实现了 storage.Backend，面向 Glacier 类型的冷存储
type Adapter struct {
	client *s3.Client
	cfg    Config
	now    func() time.Time
}

// Config 用于初始化 Adapter
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string

	// StorageClass 是上传时使用的存储类型 (GLACIER, DEEP_ARCHIVE ...)
	StorageClass string
	// StandardStorageClass 表示 "无需取回即可读" 的存储类型
	StandardStorageClass string
	// RestoreDays 是取回后副本的保留天数
	RestoreDays int32
}

// NewAdapter 初始化 S3 客户端
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	// 1. 加载基础配置 (Region 和 Credentials)
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	// 2. 使用 BaseEndpoint 而不是全局 Resolver
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO 必须使用 Path Style
		o.UsePathStyle = true
	})

	// 3. 确保 Bucket 存在
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &cfg.Bucket}); err != nil {
		if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &cfg.Bucket}); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.Bucket).Msg("failed to ensure bucket exists")
		}
	}

	return NewWithClient(client, cfg), nil
}

func NewWithClient(client *s3.Client, cfg Config) *Adapter {
	if cfg.StandardStorageClass == "" {
		cfg.StandardStorageClass = string(s3types.StorageClassStandard)
	}
	if cfg.RestoreDays <= 0 {
		cfg.RestoreDays = 1
	}
	return &Adapter{client: client, cfg: cfg, now: time.Now}
}

func (s *Adapter) Store(ctx context.Context, key, localPath, md5hex string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/zip"),
	}
	if md5hex != "" {
		raw, err := hex.DecodeString(md5hex)
		if err != nil {
			return fmt.Errorf("invalid md5 %q: %w", md5hex, err)
		}
		// 服务端按 Content-MD5 校验，不一致直接拒绝
		input.ContentMD5 = aws.String(base64.StdEncoding.EncodeToString(raw))
	}
	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		if apiCode(err) == "BadDigest" {
			return fmt.Errorf("%w: %s", storage.ErrChecksumMismatch, key)
		}
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

func (s *Adapter) Download(ctx context.Context, key, dest string) error {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("s3 get failed: %w", err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("s3 download %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// Delete: S3 删除不存在的 key 不会报错，这里保持同样的语义
func (s *Adapter) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

func (s *Adapter) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.head(ctx, key)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *Adapter) Restore(ctx context.Context, key string) storage.RestoreResponse {
	// 1. 已经可读或已在取回中，不再重复发起
	status, err := s.Status(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return storage.RestoreResponse{Status: storage.RestoreKeyNotFound}
	case err != nil:
		return storage.RestoreResponse{Status: storage.RestoreClientException, Err: err}
	case status == storage.StatusAvailable:
		return storage.RestoreResponse{Status: storage.RestoreFileAvailable}
	case status == storage.StatusRestorePending:
		return storage.RestoreResponse{Status: storage.RestoreSuccess}
	}

	// 2. 发起取回
	_, err = s.client.RestoreObject(ctx, &s3.RestoreObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		RestoreRequest: &s3types.RestoreRequest{
			Days: aws.Int32(s.cfg.RestoreDays),
			GlacierJobParameters: &s3types.GlacierJobParameters{
				Tier: s3types.TierStandard,
			},
		},
	})
	if err == nil {
		return storage.RestoreResponse{Status: storage.RestoreSuccess}
	}

	var invalidState *s3types.InvalidObjectState
	switch {
	case errors.As(err, &invalidState):
		log.Warn().Str("key", key).Msg("object is present but its storage class is not the expected one, continuing as if available")
		return storage.RestoreResponse{Status: storage.RestoreWrongStorageClass}.Normalize()
	case isNotFound(err):
		return storage.RestoreResponse{Status: storage.RestoreKeyNotFound}
	case apiCode(err) == "RestoreAlreadyInProgress":
		log.Info().Str("key", key).Msg("a restoration process is already in progress")
		return storage.RestoreResponse{Status: storage.RestoreAlreadyInProgress}.Normalize()
	default:
		return storage.RestoreResponse{Status: storage.RestoreClientException, Err: err}
	}
}

// Status 根据 HeadObject 的 StorageClass 和 x-amz-restore 头推导可读状态
func (s *Adapter) Status(ctx context.Context, key string) (storage.FileStatus, error) {
	out, err := s.head(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return storage.StatusNotAvailable, storage.ErrNotFound
		}
		return storage.StatusNotAvailable, fmt.Errorf("%w: %v", storage.ErrUnreachable, err)
	}
	return restoreStatus(string(out.StorageClass), aws.ToString(out.Restore), s.cfg.StandardStorageClass, s.now()), nil
}

func (s *Adapter) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
}

// restoreStatus 解析示例:
//
//	ongoing-request="true"
//	ongoing-request="false", expiry-date="Fri, 21 Dec 2012 00:00:00 GMT"
func restoreStatus(storageClass, restoreHeader, standardClass string, now time.Time) storage.FileStatus {
	// S3 对 STANDARD 对象不返回 StorageClass
	if storageClass == "" || strings.EqualFold(storageClass, standardClass) {
		return storage.StatusAvailable
	}
	if restoreHeader == "" {
		return storage.StatusNotAvailable
	}
	if strings.Contains(restoreHeader, `ongoing-request="true"`) {
		return storage.StatusRestorePending
	}
	_, expiry, found := strings.Cut(restoreHeader, `expiry-date="`)
	if !found {
		return storage.StatusAvailable
	}
	expiry, _, _ = strings.Cut(expiry, `"`)
	expiresAt, err := time.Parse(http.TimeFormat, expiry)
	if err != nil {
		return storage.StatusAvailable
	}
	if expiresAt.Before(now) {
		return storage.StatusExpired
	}
	return storage.StatusAvailable
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return true
	}
	// 兼容性：某些 S3 实现只返回 generic 404
	return strings.Contains(err.Error(), "StatusCode: 404")
}

func apiCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}
