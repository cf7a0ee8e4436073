package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/documind/documind/internal/api"
	"github.com/documind/documind/internal/blob"
	"github.com/documind/documind/internal/config"
	"github.com/documind/documind/internal/db"
	"github.com/documind/documind/internal/documents"
	"github.com/documind/documind/internal/events"
	"github.com/documind/documind/internal/logging"
	"github.com/documind/documind/internal/pipelines"
	"github.com/documind/documind/internal/processing"
)

// backends holds the collaborators selected by configuration and the
// clients that need closing on exit.
type backends struct {
	validator  pipelines.Validator
	detector   pipelines.Detector
	extractor  pipelines.Extractor
	summarizer pipelines.Summarizer
	archiver   blob.Archiver
	store      documents.Store
	storePing  func(context.Context) error
	probe      *pipelines.CachedProbe
	publisher  *events.RedisPublisher

	storeName     string
	extractorName string
	eventsName    string

	closers []func() error
}

func buildBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{
		validator:  pipelines.NewFileValidator(cfg.MaxUploadBytes(), cfg.MaxPDFPages()),
		eventsName: "hub",
	}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	if err := b.buildStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err := b.buildArchiver(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err := b.buildModels(ctx, cfg, logger); err != nil {
		return nil, err
	}
	b.buildDetector(cfg, logger)

	if cfg.RedisAddr() != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisAddr(), cfg.RedisPassword(), cfg.RedisDB())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		b.publisher = events.NewRedisPublisher(client, cfg.RedisChannel(), "/documind",
			logging.WithComponent(logger, "publisher"))
		b.eventsName = "hub+redis"
		logger.Info("publishing status events to redis", "channel", cfg.RedisChannel())
	}

	ok = true
	return b, nil
}

func (b *backends) buildStore(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	switch cfg.StoreBackend() {
	case config.StoreFirestore:
		client, err := documents.NewFirestoreClient(ctx, cfg.FirestoreProject())
		if err != nil {
			return fmt.Errorf("failed to initialize firestore: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		b.store = documents.NewFirestoreStore(client, cfg.FirestoreCollection())
		b.storeName = config.StoreFirestore
		logger.Info("metadata store: firestore", "project", cfg.FirestoreProject(), "collection", cfg.FirestoreCollection())
	default:
		database, err := db.New(ctx, cfg.DBPath(), logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		b.closers = append(b.closers, database.Close)
		b.store = documents.NewSQLiteStore(database.Conn())
		b.storePing = database.Ping
		b.storeName = config.StoreSQLite
		logger.Info("metadata store: sqlite", "path", logging.SanitizePath(cfg.DBPath()))
	}
	return nil
}

func (b *backends) buildArchiver(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	archiveLogger := logging.WithComponent(logger, "archive")
	switch cfg.BlobBackend() {
	case config.BlobGCS:
		var opts []option.ClientOption
		if cfg.CredentialsFile() != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile()))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		b.archiver = blob.NewGCSArchiver(client, cfg.GCSBucket(), archiveLogger)
	case config.BlobMinIO:
		m := cfg.MinIO()
		a, err := blob.NewMinIOArchiver(ctx, blob.MinIOConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			UseSSL:    m.UseSSL,
		}, archiveLogger)
		if err != nil {
			return fmt.Errorf("failed to initialize minio: %w", err)
		}
		b.archiver = a
	default:
		logger.Warn("file archive disabled; originals are not kept after processing")
		return nil
	}
	logger.Info("file archive enabled", "backend", b.archiver.Backend())
	return nil
}

func (b *backends) buildModels(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.VertexProject() == "" {
		reason := config.EnvVertexProject + " not set"
		logger.Warn("vertex ai not configured; extraction and summaries will fail", "hint", config.EnvVertexProject)
		u := pipelines.Unavailable{Reason: reason}
		b.extractor, b.summarizer = u, u
		b.extractorName = "unavailable"
		return nil
	}

	g, err := pipelines.NewGemini(ctx, pipelines.GeminiConfig{
		ProjectID:       cfg.VertexProject(),
		Region:          cfg.VertexRegion(),
		ExtractModel:    cfg.VertexExtractModel(),
		SummaryModel:    cfg.VertexSummaryModel(),
		CredentialsFile: cfg.CredentialsFile(),
		Logger:          logging.WithComponent(logger, "gemini"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize vertex ai: %w", err)
	}
	b.closers = append(b.closers, g.Close)
	b.extractor, b.summarizer = g, g
	b.extractorName = pipelines.MethodGeminiVision
	return nil
}

func (b *backends) buildDetector(cfg config.Config, logger *slog.Logger) {
	detCfg := pipelines.DefaultDetectorConfig(cfg.DataDir(), logging.WithComponent(logger, "detector"))
	detCfg.PythonPath = cfg.DetectorPython()
	detCfg.ModuleName = cfg.DetectorModule()
	detCfg.WorkDir = filepath.Join(cfg.WorkDir(), "detector")
	detCfg.ProbeTimeout = cfg.StageTimeouts().Detect

	d, err := pipelines.NewSubprocessDetector(detCfg)
	if err != nil {
		logger.Warn("document detector unavailable, images are processed uncropped", "error", err)
		b.detector = pipelines.PassthroughDetector{}
		return
	}
	b.detector = d
	b.probe = pipelines.NewCachedProbe(d, logging.WithComponent(logger, "detector"))
}

func (b *backends) collaborators() processing.Collaborators {
	return processing.Collaborators{
		Validator:  b.validator,
		Detector:   b.detector,
		Extractor:  b.extractor,
		Summarizer: b.summarizer,
		Archiver:   b.archiver,
		Store:      b.store,
	}
}

func (b *backends) describe() api.BackendsResponse {
	blobName := config.BlobNone
	if b.archiver != nil {
		blobName = b.archiver.Backend()
	}
	return api.BackendsResponse{
		Extractor:     b.extractorName,
		MetadataStore: b.storeName,
		BlobStore:     blobName,
		Events:        b.eventsName,
	}
}

// Close releases clients in reverse creation order.
func (b *backends) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}
