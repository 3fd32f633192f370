package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DocumentSource 待索引文档的来源
type DocumentSource interface {
	Name() string
	Load(ctx context.Context) ([]Document, error)
}

// ParseDocuments 解析单个文件内容，支持单个对象或对象数组
func ParseDocuments(data []byte) ([]Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty document file")
	}
	if trimmed[0] == '[' {
		var docs []Document
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}
	var doc Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	return []Document{doc}, nil
}

// withDefaultSourceType 为缺少来源类型的文档补上默认值
func withDefaultSourceType(docs []Document, st SourceType) []Document {
	if st == "" {
		return docs
	}
	for i := range docs {
		if docs[i].SourceType == "" {
			docs[i].SourceType = st
		}
	}
	return docs
}

// DirectorySource 读取目录下的 *.json 文件
type DirectorySource struct {
	Dir               string
	DefaultSourceType SourceType
	logger            *zap.Logger
}

// NewDirectorySource 创建目录文档源
func NewDirectorySource(dir string, defaultType SourceType, logger *zap.Logger) *DirectorySource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectorySource{Dir: dir, DefaultSourceType: defaultType, logger: logger}
}

func (s *DirectorySource) Name() string {
	return "dir:" + s.Dir
}

// Load 目录不存在时返回空列表，无法解析的文件记录日志后跳过
func (s *DirectorySource) Load(ctx context.Context) ([]Document, error) {
	if _, err := os.Stat(s.Dir); os.IsNotExist(err) {
		s.logger.Warn("Directory does not exist", zap.String("dir", s.Dir))
		return []Document{}, nil
	}

	files, err := filepath.Glob(filepath.Join(s.Dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.Dir, err)
	}
	sort.Strings(files)
	s.logger.Info("Loading JSON files", zap.Int("files", len(files)), zap.String("dir", s.Dir))

	docs := make([]Document, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			s.logger.Error("Failed to read document file", zap.String("file", file), zap.Error(err))
			continue
		}
		parsed, err := ParseDocuments(data)
		if err != nil {
			s.logger.Error("Failed to parse document file", zap.String("file", file), zap.Error(err))
			continue
		}
		docs = append(docs, withDefaultSourceType(parsed, s.DefaultSourceType)...)
	}

	s.logger.Info("Loaded documents", zap.Int("documents", len(docs)), zap.String("dir", s.Dir))
	return docs, nil
}

// ObjectStore 文档源需要的对象存储操作
type ObjectStore interface {
	ListKeys(ctx context.Context, bucket, prefix string) ([]string, error)
	ReadObject(ctx context.Context, bucket, key string) ([]byte, error)
}

// MinIOObjectStore 基于 minio-go 的对象存储实现
type MinIOObjectStore struct {
	client *minio.Client
}

// MinIOOptions MinIO 连接参数
type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewMinIOObjectStore 创建 MinIO 客户端，endpoint 可以带协议前缀
func NewMinIOObjectStore(opts MinIOOptions) (*MinIOObjectStore, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint not configured")
	}
	endpoint := strings.TrimPrefix(opts.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinIOObjectStore{client: client}, nil
}

func (m *MinIOObjectStore) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for object := range m.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, object.Err
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

func (m *MinIOObjectStore) ReadObject(ctx context.Context, bucket, key string) ([]byte, error) {
	object, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()
	return io.ReadAll(object)
}

const defaultObjectFetchConcurrency = 8

// MinIOSource 从对象存储桶中读取 *.json 文档
type MinIOSource struct {
	store             ObjectStore
	bucket            string
	prefix            string
	defaultSourceType SourceType
	concurrency       int
	logger            *zap.Logger
}

// NewMinIOSource 创建对象存储文档源
func NewMinIOSource(store ObjectStore, bucket, prefix string, defaultType SourceType, logger *zap.Logger) *MinIOSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MinIOSource{
		store:             store,
		bucket:            bucket,
		prefix:            prefix,
		defaultSourceType: defaultType,
		concurrency:       defaultObjectFetchConcurrency,
		logger:            logger,
	}
}

func (s *MinIOSource) Name() string {
	return fmt.Sprintf("minio:%s/%s", s.bucket, s.prefix)
}

// Load 并发下载对象，单个对象失败只记录日志；结果按对象键排序
func (s *MinIOSource) Load(ctx context.Context) ([]Document, error) {
	keys, err := s.store.ListKeys(ctx, s.bucket, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects in %s: %w", s.bucket, err)
	}

	jsonKeys := keys[:0]
	for _, key := range keys {
		if strings.HasSuffix(strings.ToLower(key), ".json") {
			jsonKeys = append(jsonKeys, key)
		}
	}
	sort.Strings(jsonKeys)
	s.logger.Info("Loading JSON objects", zap.Int("objects", len(jsonKeys)), zap.String("bucket", s.bucket))

	parsed := make([][]Document, len(jsonKeys))
	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range jsonKeys {
		i, key := i, key
		g.Go(func() error {
			data, err := s.store.ReadObject(gctx, s.bucket, key)
			if err == nil {
				parsed[i], err = ParseDocuments(data)
			}
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Error("Failed to load document object", zap.String("key", key), zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var docs []Document
	for _, batch := range parsed {
		docs = append(docs, withDefaultSourceType(batch, s.defaultSourceType)...)
	}
	s.logger.Info("Loaded documents",
		zap.Int("documents", len(docs)),
		zap.Int("failed_objects", failed),
		zap.String("bucket", s.bucket))
	return docs, nil
}
