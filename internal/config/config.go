// Package config provides configuration management for the documind server.
// Defaults are overridden by an optional YAML file (DOCUMIND_CONFIG), which
// is in turn overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	// Default values
	DefaultPort     = 8080
	DefaultLogLevel = "info"
	DefaultDataDir  = ".documind"

	DefaultMaxUploadBytes = 10 * 1024 * 1024
	DefaultMaxPDFPages    = 50
	DefaultMaxConcurrent  = 4

	DefaultRetention       = 30 * time.Minute
	DefaultCapacity        = 1000
	DefaultJanitorInterval = time.Minute

	DefaultStoreBackend        = StoreSQLite
	DefaultFirestoreCollection = "documents"
	DefaultBlobBackend         = BlobNone
	DefaultMinIOBucket         = "documind"

	DefaultVertexRegion       = "us-central1"
	DefaultVertexExtractModel = "gemini-1.5-pro-002"
	DefaultVertexSummaryModel = "gemini-1.5-flash-002"

	DefaultDetectorModule = "documind_cv"
	DefaultRedisChannel   = "documind.process"

	// Database filename
	DBFilename = "documind.db"
)

// Metadata store backends.
const (
	StoreSQLite    = "sqlite"
	StoreFirestore = "firestore"
)

// Blob archive backends.
const (
	BlobNone  = "none"
	BlobGCS   = "gcs"
	BlobMinIO = "minio"
)

// Environment variable names
const (
	EnvConfigFile = "DOCUMIND_CONFIG"

	EnvPort     = "DOCUMIND_PORT"
	EnvLogLevel = "DOCUMIND_LOG_LEVEL"
	EnvDataDir  = "DOCUMIND_DATA_DIR"

	EnvMaxUploadBytes = "DOCUMIND_MAX_UPLOAD_BYTES"
	EnvMaxPDFPages    = "DOCUMIND_MAX_PDF_PAGES"
	EnvMaxConcurrent  = "DOCUMIND_MAX_CONCURRENT"

	EnvTimeoutValidate  = "DOCUMIND_TIMEOUT_VALIDATE"
	EnvTimeoutDetect    = "DOCUMIND_TIMEOUT_DETECT"
	EnvTimeoutExtract   = "DOCUMIND_TIMEOUT_EXTRACT"
	EnvTimeoutSummarize = "DOCUMIND_TIMEOUT_SUMMARIZE"
	EnvTimeoutFinalize  = "DOCUMIND_TIMEOUT_FINALIZE"

	EnvRetention       = "DOCUMIND_RETENTION"
	EnvCapacity        = "DOCUMIND_CAPACITY"
	EnvJanitorInterval = "DOCUMIND_JANITOR_INTERVAL"

	EnvStoreBackend        = "DOCUMIND_STORE"
	EnvFirestoreProject    = "DOCUMIND_FIRESTORE_PROJECT"
	EnvFirestoreCollection = "DOCUMIND_FIRESTORE_COLLECTION"

	EnvBlobBackend    = "DOCUMIND_BLOB"
	EnvGCSBucket      = "DOCUMIND_GCS_BUCKET"
	EnvMinIOEndpoint  = "DOCUMIND_MINIO_ENDPOINT"
	EnvMinIOAccessKey = "DOCUMIND_MINIO_ACCESS_KEY"
	EnvMinIOSecretKey = "DOCUMIND_MINIO_SECRET_KEY"
	EnvMinIOBucket    = "DOCUMIND_MINIO_BUCKET"
	EnvMinIOUseSSL    = "DOCUMIND_MINIO_USE_SSL"

	EnvVertexProject      = "DOCUMIND_VERTEX_PROJECT"
	EnvVertexRegion       = "DOCUMIND_VERTEX_REGION"
	EnvVertexExtractModel = "DOCUMIND_VERTEX_EXTRACT_MODEL"
	EnvVertexSummaryModel = "DOCUMIND_VERTEX_SUMMARY_MODEL"
	EnvCredentialsFile    = "DOCUMIND_CREDENTIALS_FILE"

	EnvDetectorPython = "DOCUMIND_DETECTOR_PYTHON"
	EnvDetectorModule = "DOCUMIND_DETECTOR_MODULE"

	EnvRedisAddr     = "DOCUMIND_REDIS_ADDR"
	EnvRedisPassword = "DOCUMIND_REDIS_PASSWORD"
	EnvRedisDB       = "DOCUMIND_REDIS_DB"
	EnvRedisChannel  = "DOCUMIND_REDIS_CHANNEL"

	EnvAPIToken       = "DOCUMIND_API_TOKEN"
	EnvAllowedOrigins = "DOCUMIND_ALLOWED_ORIGINS"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	UploadDir() string
	WorkDir() string

	MaxUploadBytes() int64
	MaxPDFPages() int
	MaxConcurrent() int
	StageTimeouts() Timeouts

	Retention() time.Duration
	Capacity() int
	JanitorInterval() time.Duration

	StoreBackend() string
	FirestoreProject() string
	FirestoreCollection() string

	BlobBackend() string
	GCSBucket() string
	MinIO() MinIOSettings

	VertexProject() string
	VertexRegion() string
	VertexExtractModel() string
	VertexSummaryModel() string
	CredentialsFile() string

	DetectorPython() string
	DetectorModule() string

	RedisAddr() string
	RedisPassword() string
	RedisDB() int
	RedisChannel() string

	APIToken() string
	AllowedOrigins() []string
}

// Timeouts bound each pipeline stage.
type Timeouts struct {
	Validate  time.Duration `yaml:"validate"`
	Detect    time.Duration `yaml:"detect"`
	Extract   time.Duration `yaml:"extract"`
	Summarize time.Duration `yaml:"summarize"`
	Finalize  time.Duration `yaml:"finalize"`
}

// MinIOSettings configures the S3-compatible archive.
type MinIOSettings struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// fileConfig mirrors the YAML file layout. Zero values mean "not set".
type fileConfig struct {
	Server struct {
		Port           int      `yaml:"port"`
		LogLevel       string   `yaml:"log_level"`
		DataDir        string   `yaml:"data_dir"`
		APIToken       string   `yaml:"api_token"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Limits struct {
		MaxUploadBytes int64 `yaml:"max_upload_bytes"`
		MaxPDFPages    int   `yaml:"max_pdf_pages"`
		MaxConcurrent  int   `yaml:"max_concurrent"`
	} `yaml:"limits"`
	Timeouts Timeouts `yaml:"timeouts"`
	Registry struct {
		Retention       time.Duration `yaml:"retention"`
		Capacity        int           `yaml:"capacity"`
		JanitorInterval time.Duration `yaml:"janitor_interval"`
	} `yaml:"registry"`
	Store struct {
		Backend             string `yaml:"backend"`
		FirestoreProject    string `yaml:"firestore_project"`
		FirestoreCollection string `yaml:"firestore_collection"`
	} `yaml:"store"`
	Blob struct {
		Backend   string        `yaml:"backend"`
		GCSBucket string        `yaml:"gcs_bucket"`
		MinIO     MinIOSettings `yaml:"minio"`
	} `yaml:"blob"`
	Vertex struct {
		Project         string `yaml:"project"`
		Region          string `yaml:"region"`
		ExtractModel    string `yaml:"extract_model"`
		SummaryModel    string `yaml:"summary_model"`
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"vertex"`
	Detector struct {
		Python string `yaml:"python"`
		Module string `yaml:"module"`
	} `yaml:"detector"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`
}

// EnvConfig reads configuration from defaults, an optional YAML file and
// environment variables, in increasing precedence.
type EnvConfig struct {
	port     int
	logLevel string
	dataDir  string

	maxUploadBytes int64
	maxPDFPages    int
	maxConcurrent  int
	timeouts       Timeouts

	retention       time.Duration
	capacity        int
	janitorInterval time.Duration

	storeBackend        string
	firestoreProject    string
	firestoreCollection string

	blobBackend string
	gcsBucket   string
	minio       MinIOSettings

	vertexProject      string
	vertexRegion       string
	vertexExtractModel string
	vertexSummaryModel string
	credentialsFile    string

	detectorPython string
	detectorModule string

	redisAddr     string
	redisPassword string
	redisDB       int
	redisChannel  string

	apiToken       string
	allowedOrigins []string
}

// New creates a new EnvConfig with defaults, file and environment overrides.
func New() (*EnvConfig, error) {
	cfg := defaults()

	if path := os.Getenv(EnvConfigFile); path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		cfg.applyFile(fc)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *EnvConfig {
	return &EnvConfig{
		port:           DefaultPort,
		logLevel:       DefaultLogLevel,
		dataDir:        defaultDataDir(),
		maxUploadBytes: DefaultMaxUploadBytes,
		maxPDFPages:    DefaultMaxPDFPages,
		maxConcurrent:  DefaultMaxConcurrent,
		timeouts: Timeouts{
			Validate:  10 * time.Second,
			Detect:    30 * time.Second,
			Extract:   120 * time.Second,
			Summarize: 90 * time.Second,
			Finalize:  60 * time.Second,
		},
		retention:           DefaultRetention,
		capacity:            DefaultCapacity,
		janitorInterval:     DefaultJanitorInterval,
		storeBackend:        DefaultStoreBackend,
		firestoreCollection: DefaultFirestoreCollection,
		blobBackend:         DefaultBlobBackend,
		minio:               MinIOSettings{Bucket: DefaultMinIOBucket},
		vertexRegion:        DefaultVertexRegion,
		vertexExtractModel:  DefaultVertexExtractModel,
		vertexSummaryModel:  DefaultVertexSummaryModel,
		detectorModule:      DefaultDetectorModule,
		redisChannel:        DefaultRedisChannel,
	}
}

func loadFile(path string) (*fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	dec := yaml.NewDecoder(f)
	dec.SetStrict(true)
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

func (c *EnvConfig) applyFile(fc *fileConfig) {
	setInt(&c.port, fc.Server.Port)
	setString(&c.logLevel, fc.Server.LogLevel)
	setString(&c.dataDir, fc.Server.DataDir)
	setString(&c.apiToken, fc.Server.APIToken)
	if len(fc.Server.AllowedOrigins) > 0 {
		c.allowedOrigins = fc.Server.AllowedOrigins
	}

	if fc.Limits.MaxUploadBytes != 0 {
		c.maxUploadBytes = fc.Limits.MaxUploadBytes
	}
	setInt(&c.maxPDFPages, fc.Limits.MaxPDFPages)
	setInt(&c.maxConcurrent, fc.Limits.MaxConcurrent)

	setDuration(&c.timeouts.Validate, fc.Timeouts.Validate)
	setDuration(&c.timeouts.Detect, fc.Timeouts.Detect)
	setDuration(&c.timeouts.Extract, fc.Timeouts.Extract)
	setDuration(&c.timeouts.Summarize, fc.Timeouts.Summarize)
	setDuration(&c.timeouts.Finalize, fc.Timeouts.Finalize)

	setDuration(&c.retention, fc.Registry.Retention)
	setInt(&c.capacity, fc.Registry.Capacity)
	setDuration(&c.janitorInterval, fc.Registry.JanitorInterval)

	setString(&c.storeBackend, fc.Store.Backend)
	setString(&c.firestoreProject, fc.Store.FirestoreProject)
	setString(&c.firestoreCollection, fc.Store.FirestoreCollection)

	setString(&c.blobBackend, fc.Blob.Backend)
	setString(&c.gcsBucket, fc.Blob.GCSBucket)
	setString(&c.minio.Endpoint, fc.Blob.MinIO.Endpoint)
	setString(&c.minio.AccessKey, fc.Blob.MinIO.AccessKey)
	setString(&c.minio.SecretKey, fc.Blob.MinIO.SecretKey)
	setString(&c.minio.Bucket, fc.Blob.MinIO.Bucket)
	if fc.Blob.MinIO.UseSSL {
		c.minio.UseSSL = true
	}

	setString(&c.vertexProject, fc.Vertex.Project)
	setString(&c.vertexRegion, fc.Vertex.Region)
	setString(&c.vertexExtractModel, fc.Vertex.ExtractModel)
	setString(&c.vertexSummaryModel, fc.Vertex.SummaryModel)
	setString(&c.credentialsFile, fc.Vertex.CredentialsFile)

	setString(&c.detectorPython, fc.Detector.Python)
	setString(&c.detectorModule, fc.Detector.Module)

	setString(&c.redisAddr, fc.Redis.Addr)
	setString(&c.redisPassword, fc.Redis.Password)
	setInt(&c.redisDB, fc.Redis.DB)
	setString(&c.redisChannel, fc.Redis.Channel)
}

func (c *EnvConfig) applyEnv() error {
	strs := map[string]*string{
		EnvLogLevel:            &c.logLevel,
		EnvDataDir:             &c.dataDir,
		EnvStoreBackend:        &c.storeBackend,
		EnvFirestoreProject:    &c.firestoreProject,
		EnvFirestoreCollection: &c.firestoreCollection,
		EnvBlobBackend:         &c.blobBackend,
		EnvGCSBucket:           &c.gcsBucket,
		EnvMinIOEndpoint:       &c.minio.Endpoint,
		EnvMinIOAccessKey:      &c.minio.AccessKey,
		EnvMinIOSecretKey:      &c.minio.SecretKey,
		EnvMinIOBucket:         &c.minio.Bucket,
		EnvVertexProject:       &c.vertexProject,
		EnvVertexRegion:        &c.vertexRegion,
		EnvVertexExtractModel:  &c.vertexExtractModel,
		EnvVertexSummaryModel:  &c.vertexSummaryModel,
		EnvCredentialsFile:     &c.credentialsFile,
		EnvDetectorPython:      &c.detectorPython,
		EnvDetectorModule:      &c.detectorModule,
		EnvRedisAddr:           &c.redisAddr,
		EnvRedisPassword:       &c.redisPassword,
		EnvRedisChannel:        &c.redisChannel,
		EnvAPIToken:            &c.apiToken,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		EnvPort:          &c.port,
		EnvMaxPDFPages:   &c.maxPDFPages,
		EnvMaxConcurrent: &c.maxConcurrent,
		EnvCapacity:      &c.capacity,
		EnvRedisDB:       &c.redisDB,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv(EnvMaxUploadBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxUploadBytes, err)
		}
		c.maxUploadBytes = n
	}

	durations := map[string]*time.Duration{
		EnvTimeoutValidate:  &c.timeouts.Validate,
		EnvTimeoutDetect:    &c.timeouts.Detect,
		EnvTimeoutExtract:   &c.timeouts.Extract,
		EnvTimeoutSummarize: &c.timeouts.Summarize,
		EnvTimeoutFinalize:  &c.timeouts.Finalize,
		EnvRetention:        &c.retention,
		EnvJanitorInterval:  &c.janitorInterval,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv(EnvMinIOUseSSL); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMinIOUseSSL, err)
		}
		c.minio.UseSSL = b
	}

	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		c.allowedOrigins = splitList(v)
	}
	return nil
}

func (c *EnvConfig) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.port)
	}
	if c.maxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive, got %d", c.maxUploadBytes)
	}
	if c.maxPDFPages <= 0 || c.maxConcurrent <= 0 {
		return fmt.Errorf("max pdf pages and max concurrent must be positive")
	}
	if c.capacity < 0 {
		return fmt.Errorf("registry capacity cannot be negative")
	}
	for name, d := range map[string]time.Duration{
		"validate timeout":  c.timeouts.Validate,
		"detect timeout":    c.timeouts.Detect,
		"extract timeout":   c.timeouts.Extract,
		"summarize timeout": c.timeouts.Summarize,
		"finalize timeout":  c.timeouts.Finalize,
		"retention":         c.retention,
		"janitor interval":  c.janitorInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	switch c.storeBackend {
	case StoreSQLite:
	case StoreFirestore:
		if c.firestoreProject == "" && c.vertexProject == "" {
			return fmt.Errorf("firestore store requires %s or %s", EnvFirestoreProject, EnvVertexProject)
		}
	default:
		return fmt.Errorf("unknown store backend %q (want %s or %s)", c.storeBackend, StoreSQLite, StoreFirestore)
	}

	switch c.blobBackend {
	case BlobNone:
	case BlobGCS:
		if c.gcsBucket == "" {
			return fmt.Errorf("gcs blob backend requires %s", EnvGCSBucket)
		}
	case BlobMinIO:
		if c.minio.Endpoint == "" || c.minio.Bucket == "" {
			return fmt.Errorf("minio blob backend requires %s and %s", EnvMinIOEndpoint, EnvMinIOBucket)
		}
	default:
		return fmt.Errorf("unknown blob backend %q (want %s, %s or %s)", c.blobBackend, BlobNone, BlobGCS, BlobMinIO)
	}
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// UploadDir is where request bodies are staged before processing.
func (c *EnvConfig) UploadDir() string {
	return filepath.Join(c.dataDir, "uploads")
}

// WorkDir holds per-job scratch files such as document crops.
func (c *EnvConfig) WorkDir() string {
	return filepath.Join(c.dataDir, "work")
}

func (c *EnvConfig) MaxUploadBytes() int64          { return c.maxUploadBytes }
func (c *EnvConfig) MaxPDFPages() int               { return c.maxPDFPages }
func (c *EnvConfig) MaxConcurrent() int             { return c.maxConcurrent }
func (c *EnvConfig) StageTimeouts() Timeouts        { return c.timeouts }
func (c *EnvConfig) Retention() time.Duration       { return c.retention }
func (c *EnvConfig) Capacity() int                  { return c.capacity }
func (c *EnvConfig) JanitorInterval() time.Duration { return c.janitorInterval }

func (c *EnvConfig) StoreBackend() string { return c.storeBackend }

// FirestoreProject falls back to the Vertex AI project.
func (c *EnvConfig) FirestoreProject() string {
	if c.firestoreProject != "" {
		return c.firestoreProject
	}
	return c.vertexProject
}

func (c *EnvConfig) FirestoreCollection() string { return c.firestoreCollection }

func (c *EnvConfig) BlobBackend() string  { return c.blobBackend }
func (c *EnvConfig) GCSBucket() string    { return c.gcsBucket }
func (c *EnvConfig) MinIO() MinIOSettings { return c.minio }

func (c *EnvConfig) VertexProject() string      { return c.vertexProject }
func (c *EnvConfig) VertexRegion() string       { return c.vertexRegion }
func (c *EnvConfig) VertexExtractModel() string { return c.vertexExtractModel }
func (c *EnvConfig) VertexSummaryModel() string { return c.vertexSummaryModel }
func (c *EnvConfig) CredentialsFile() string    { return c.credentialsFile }

func (c *EnvConfig) DetectorPython() string { return c.detectorPython }
func (c *EnvConfig) DetectorModule() string { return c.detectorModule }

func (c *EnvConfig) RedisAddr() string     { return c.redisAddr }
func (c *EnvConfig) RedisPassword() string { return c.redisPassword }
func (c *EnvConfig) RedisDB() int          { return c.redisDB }
func (c *EnvConfig) RedisChannel() string  { return c.redisChannel }

// APIToken is the bearer token for protected routes; empty disables auth.
func (c *EnvConfig) APIToken() string { return c.apiToken }

func (c *EnvConfig) AllowedOrigins() []string {
	return append([]string(nil), c.allowedOrigins...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
