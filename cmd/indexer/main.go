package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aihub/rag-assistant/internal/config"
	"github.com/aihub/rag-assistant/internal/di"
	"github.com/aihub/rag-assistant/internal/knowledge"
	"github.com/aihub/rag-assistant/internal/logger"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	sourceKind := flag.String("source", "dir", "Document source: dir or minio")
	dir := flag.String("dir", "", "Documents directory (defaults to knowledge.documents_dir)")
	defaultType := flag.String("source-type", "wiki", "Source type for documents that do not declare one")
	reset := flag.Bool("reset", false, "Clear the collection before indexing")
	flag.Parse()

	_ = godotenv.Load()
	if err := logger.InitLogger(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	zlog := logger.GetLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// 只有 pgvector 后端需要数据库连接
	if cfg.Knowledge.VectorStore.Provider != "pgvector" {
		cfg.Database.URL = ""
	}
	// 本命令显式建索引，不需要启动时的自动加载
	cfg.Knowledge.VectorStore.SeedFromDocuments = false
	if cfg.Knowledge.VectorStore.Provider == "memory" {
		zlog.Warn("Memory vector store is not persistent, the server rebuilds it from documents_dir on startup")
	}
	if *dir == "" {
		*dir = cfg.Knowledge.DocumentsDir
	}

	st, err := knowledge.ParseSourceType(*defaultType)
	if err != nil {
		log.Fatalf("Invalid -source-type: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := di.InitContainer(cfg, zlog, prometheus.NewRegistry())
	if err != nil {
		log.Fatalf("Failed to build container: %v", err)
	}

	var report knowledge.IndexReport
	err = container.Invoke(func(indexer *knowledge.Indexer, index knowledge.VectorIndex) error {
		if closer, ok := index.(io.Closer); ok {
			defer closer.Close()
		}

		if *reset {
			zlog.Info("Resetting vector collection", zap.String("collection", cfg.Knowledge.VectorStore.Collection))
			if err := index.Reset(ctx); err != nil {
				return fmt.Errorf("reset collection: %w", err)
			}
		}

		source, err := buildSource(*sourceKind, *dir, st, cfg, zlog)
		if err != nil {
			return err
		}

		report, err = indexer.IndexSources(ctx, source)
		if err != nil {
			return err
		}

		stats, err := index.Stats(ctx)
		if err != nil {
			zlog.Warn("Failed to read collection stats", zap.Error(err))
			return nil
		}
		zlog.Info("Collection stats",
			zap.String("collection", stats.Collection),
			zap.Int64("total_documents", stats.TotalDocuments))
		return nil
	})
	if err != nil {
		log.Fatalf("Indexing failed: %v", err)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}

func buildSource(kind, dir string, st knowledge.SourceType, cfg *config.Config, zlog *zap.Logger) (knowledge.DocumentSource, error) {
	switch kind {
	case "dir":
		return knowledge.NewDirectorySource(dir, st, zlog.Named("source")), nil
	case "minio":
		storage := cfg.Knowledge.Storage
		store, err := knowledge.NewMinIOObjectStore(knowledge.MinIOOptions{
			Endpoint:  storage.Endpoint,
			AccessKey: storage.AccessKey,
			SecretKey: storage.SecretKey,
			UseSSL:    storage.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return knowledge.NewMinIOSource(store, storage.Bucket, storage.Prefix, st, zlog.Named("source")), nil
	default:
		return nil, fmt.Errorf("unknown source %q (want dir or minio)", kind)
	}
}
