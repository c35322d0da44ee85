// Package config reads process configuration once, at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	GeneratorBedrock = "bedrock"
	GeneratorOpenAI  = "openai"

	StoreSQL      = "sql"
	StoreDynamoDB = "dynamodb"

	RegistrySQL  = "sql"
	RegistryYAML = "yaml"
)

type Config struct {
	HTTPAddr  string
	AWSRegion string

	KnowledgeBaseID  string
	RetrievalResults int

	Generator           string
	BedrockModelID      string
	GenerationMaxTokens int
	OpenAIBaseURL       string
	OpenAIModel         string
	OpenAIAPIKey        string
	ParamPrefix         string

	StoreBackend  string
	DBDriver      string
	DatabaseURL   string
	DynamoDBTable string

	RegistrySource string
	RegistryFile   string

	MaxMessageLength   int
	StreamChunkSize    int
	StreamChunkDelay   time.Duration
	RetrievalTimeout   time.Duration
	GenerationTimeout  time.Duration
	UnmatchedHitPolicy string

	UploadBucket string
	UploadPrefix string
	UploadURLTTL time.Duration

	IdentityJWTSecret string
	AdminPathTrusted  bool
	CORSAllowOrigin   string

	ReconcileSchedule string

	LogLevel  string
	LogFormat string
}

// Load reads a .env file when present and then the process environment.
// Values already set in the environment take precedence over the file.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary key lookup.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	r := reader{lookup: lookup}
	c := Config{
		HTTPAddr:  r.str("HTTP_ADDR", ":8000"),
		AWSRegion: r.str("AWS_REGION", "ap-northeast-2"),

		KnowledgeBaseID:  r.str("KNOWLEDGE_BASE_ID", ""),
		RetrievalResults: r.positiveInt("RETRIEVAL_RESULTS", 10),

		Generator:           strings.ToLower(r.str("GENERATOR", GeneratorBedrock)),
		BedrockModelID:      r.str("BEDROCK_MODEL_ID", ""),
		GenerationMaxTokens: r.positiveInt("GENERATION_MAX_TOKENS", 4096),
		OpenAIBaseURL:       r.str("OPENAI_BASE_URL", ""),
		OpenAIModel:         r.str("OPENAI_MODEL", ""),
		OpenAIAPIKey:        r.str("OPENAI_API_KEY", ""),
		ParamPrefix:         r.str("PARAM_PREFIX", ""),

		StoreBackend:  strings.ToLower(r.str("STORE_BACKEND", StoreSQL)),
		DBDriver:      strings.ToLower(r.str("DB_DRIVER", "postgres")),
		DatabaseURL:   r.str("DATABASE_URL", ""),
		DynamoDBTable: r.str("DYNAMODB_TABLE", ""),

		RegistryFile: r.str("REGISTRY_FILE", ""),

		MaxMessageLength:   r.positiveInt("MAX_MESSAGE_LENGTH", 4000),
		StreamChunkSize:    r.positiveInt("STREAM_CHUNK_SIZE", 10),
		StreamChunkDelay:   r.duration("STREAM_CHUNK_DELAY", 10*time.Millisecond),
		RetrievalTimeout:   r.duration("RETRIEVAL_TIMEOUT", 15*time.Second),
		GenerationTimeout:  r.duration("GENERATION_TIMEOUT", 120*time.Second),
		UnmatchedHitPolicy: strings.ToLower(r.str("UNMATCHED_HIT_POLICY", "allow")),

		UploadBucket: r.str("UPLOAD_BUCKET", ""),
		UploadPrefix: r.str("UPLOAD_PREFIX", "uploads/"),
		UploadURLTTL: r.duration("UPLOAD_URL_TTL", time.Hour),

		IdentityJWTSecret: r.str("IDENTITY_JWT_SECRET", ""),
		AdminPathTrusted:  r.boolean("ADMIN_PATH_TRUSTED", true),
		CORSAllowOrigin:   r.str("CORS_ALLOW_ORIGIN", ""),

		ReconcileSchedule: r.raw("RECONCILE_SCHEDULE", "@every 15m"),

		LogLevel:  strings.ToLower(r.str("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(r.str("LOG_FORMAT", "json")),
	}
	// The registry follows the store unless set explicitly; DynamoDB deployments
	// have no registry tables.
	defRegistry := RegistrySQL
	if c.StoreBackend == StoreDynamoDB {
		defRegistry = RegistryYAML
	}
	c.RegistrySource = strings.ToLower(r.str("REGISTRY_SOURCE", defRegistry))

	if err := errors.Join(append(r.errs, c.validate()...)...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

func (c Config) validate() []error {
	var errs []error
	if c.KnowledgeBaseID == "" {
		errs = append(errs, errors.New("KNOWLEDGE_BASE_ID is required"))
	}
	switch c.Generator {
	case GeneratorBedrock:
		if c.BedrockModelID == "" {
			errs = append(errs, errors.New("BEDROCK_MODEL_ID is required when GENERATOR=bedrock"))
		}
	case GeneratorOpenAI:
		if c.OpenAIModel == "" {
			errs = append(errs, errors.New("OPENAI_MODEL is required when GENERATOR=openai"))
		}
		if c.OpenAIAPIKey == "" && c.ParamPrefix == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY or PARAM_PREFIX is required when GENERATOR=openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("GENERATOR must be bedrock or openai, got %q", c.Generator))
	}
	switch c.StoreBackend {
	case StoreSQL:
		switch c.DBDriver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres, mysql or sqlite, got %q", c.DBDriver))
		}
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_BACKEND=sql"))
		}
	case StoreDynamoDB:
		if c.DynamoDBTable == "" {
			errs = append(errs, errors.New("DYNAMODB_TABLE is required when STORE_BACKEND=dynamodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be sql or dynamodb, got %q", c.StoreBackend))
	}
	switch c.RegistrySource {
	case RegistrySQL:
		if c.StoreBackend != StoreSQL {
			errs = append(errs, errors.New("REGISTRY_SOURCE=sql requires STORE_BACKEND=sql"))
		}
	case RegistryYAML:
		if c.RegistryFile == "" {
			errs = append(errs, errors.New("REGISTRY_FILE is required when REGISTRY_SOURCE=yaml"))
		}
	default:
		errs = append(errs, fmt.Errorf("REGISTRY_SOURCE must be sql or yaml, got %q", c.RegistrySource))
	}
	switch c.UnmatchedHitPolicy {
	case "allow", "block":
	default:
		errs = append(errs, fmt.Errorf("UNMATCHED_HIT_POLICY must be allow or block, got %q", c.UnmatchedHitPolicy))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	if c.StreamChunkDelay < 0 {
		errs = append(errs, errors.New("STREAM_CHUNK_DELAY must not be negative"))
	}
	return errs
}

// SQLStoreEnabled reports whether the reconciliation job has a store to work on.
func (c Config) SQLStoreEnabled() bool {
	return c.StoreBackend == StoreSQL
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) raw(key, def string) string {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	return strings.TrimSpace(v)
}

func (r *reader) str(key, def string) string {
	v := r.raw(key, "")
	if v == "" {
		return def
	}
	return v
}

func (r *reader) positiveInt(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		r.errs = append(r.errs, fmt.Errorf("%s must be a positive integer, got %q", key, v))
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be a duration, got %q", key, v))
		return def
	}
	return d
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
		return def
	}
	return b
}
