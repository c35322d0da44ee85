// Package app wires configuration into the running service. Both
// entrypoints build the same object graph through Build.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"kb-chat/handler"
	"kb-chat/internal/access"
	"kb-chat/internal/config"
	"kb-chat/internal/integrations/bedrock"
	"kb-chat/internal/integrations/objectstore"
	"kb-chat/internal/integrations/openai"
	"kb-chat/internal/integrations/paramstore"
	"kb-chat/internal/logging"
	"kb-chat/internal/repository"
	"kb-chat/internal/usecase"
)

// App is the assembled service.
type App struct {
	Handler *handler.Handler
	// Reconcile is nil unless the relational store is in use.
	Reconcile *usecase.ReconcileJob

	closers []func() error
}

// Close releases the database pool, if any.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Build constructs every component from cfg.
func Build(ctx context.Context, cfg config.Config, version string, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("app: load aws config: %w", err)
	}

	a := &App{}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	st, err := a.stores(ctx, cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}

	retriever, err := bedrock.NewRetriever(bedrockagentruntime.NewFromConfig(awsCfg), cfg.KnowledgeBaseID, cfg.RetrievalResults)
	if err != nil {
		return nil, fmt.Errorf("app: retriever: %w", err)
	}
	generator, err := newGenerator(cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	synth, err := usecase.NewSynthesizer(retriever, generator, cfg.GenerationMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("app: synthesizer: %w", err)
	}

	policy, err := access.ParseUnmatchedPolicy(cfg.UnmatchedHitPolicy)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	chat, err := usecase.NewChatService(st.conversations, st.registry, synth, usecase.ChatOptions{
		MaxMessageLength:  cfg.MaxMessageLength,
		ChunkSize:         cfg.StreamChunkSize,
		ChunkDelay:        cfg.StreamChunkDelay,
		RetrievalTimeout:  cfg.RetrievalTimeout,
		GenerationTimeout: cfg.GenerationTimeout,
		UnmatchedPolicy:   policy,
	}, logger.Named("chat"))
	if err != nil {
		return nil, fmt.Errorf("app: chat service: %w", err)
	}
	history, err := usecase.NewHistoryService(st.conversations)
	if err != nil {
		return nil, fmt.Errorf("app: history service: %w", err)
	}
	registry, err := usecase.NewRegistryService(st.registry)
	if err != nil {
		return nil, fmt.Errorf("app: registry service: %w", err)
	}

	svc := handler.Services{Chat: chat, History: history, Registry: registry}
	if cfg.UploadBucket != "" {
		presigner, err := objectstore.NewPresigner(s3.NewPresignClient(s3.NewFromConfig(awsCfg)), cfg.UploadBucket, cfg.UploadURLTTL)
		if err != nil {
			return nil, fmt.Errorf("app: presigner: %w", err)
		}
		upload, err := usecase.NewUploadService(presigner, cfg.UploadPrefix)
		if err != nil {
			return nil, fmt.Errorf("app: upload service: %w", err)
		}
		svc.Upload = upload
	} else {
		logger.Info("UPLOAD_BUCKET not set; upload route disabled")
	}

	h, err := handler.NewHandler(svc, handler.Options{
		Identity: handler.IdentityOptions{
			JWTSecret:        cfg.IdentityJWTSecret,
			AdminPathTrusted: cfg.AdminPathTrusted,
		},
		CORSOrigin: cfg.CORSAllowOrigin,
		Version:    version,
		Logger:     logger.Named("http"),
	})
	if err != nil {
		return nil, fmt.Errorf("app: handler: %w", err)
	}
	a.Handler = h

	if st.reconciler != nil {
		job, err := usecase.NewReconcileJob(st.reconciler, logger.Named("reconcile"))
		if err != nil {
			return nil, fmt.Errorf("app: reconcile job: %w", err)
		}
		a.Reconcile = job
	}

	ok = true
	return a, nil
}

type stores struct {
	conversations usecase.ConversationStore
	registry      usecase.RegistryStore
	reconciler    usecase.CountReconciler
}

func (a *App) stores(ctx context.Context, cfg config.Config, awsCfg aws.Config, logger *zap.Logger) (stores, error) {
	var st stores
	var sqlStore *repository.SQLStore

	switch cfg.StoreBackend {
	case config.StoreSQL:
		db, err := repository.Open(cfg.DBDriver, cfg.DatabaseURL, logger.Named("gorm"))
		if err != nil {
			return stores{}, fmt.Errorf("app: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		sqlStore, err = repository.NewSQLStore(db)
		if err != nil {
			return stores{}, fmt.Errorf("app: %w", err)
		}
		st.conversations = sqlStore
		st.reconciler = sqlStore
	case config.StoreDynamoDB:
		dyn, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable)
		if err != nil {
			return stores{}, fmt.Errorf("app: %w", err)
		}
		st.conversations = dyn
	default:
		return stores{}, fmt.Errorf("app: unsupported store backend %q", cfg.StoreBackend)
	}

	var seed *repository.RegistrySeed
	if cfg.RegistryFile != "" {
		s, err := repository.LoadRegistrySeed(cfg.RegistryFile)
		if err != nil {
			return stores{}, fmt.Errorf("app: %w", err)
		}
		seed = &s
	}

	switch cfg.RegistrySource {
	case config.RegistrySQL:
		if sqlStore == nil {
			return stores{}, errors.New("app: sql registry requires the sql store")
		}
		if seed != nil {
			seeded, err := sqlStore.SeedRegistry(ctx, *seed)
			if err != nil {
				return stores{}, fmt.Errorf("app: %w", err)
			}
			if seeded {
				logger.Info("registry seeded", zap.String("file", cfg.RegistryFile),
					zap.Int("domains", len(seed.Domains)), zap.Int("groups", len(seed.Groups)))
			}
		}
		st.registry = sqlStore
	case config.RegistryYAML:
		if seed == nil {
			return stores{}, errors.New("app: yaml registry requires REGISTRY_FILE")
		}
		mem, err := repository.NewMemoryRegistry(*seed)
		if err != nil {
			return stores{}, fmt.Errorf("app: %w", err)
		}
		st.registry = mem
	default:
		return stores{}, fmt.Errorf("app: unsupported registry source %q", cfg.RegistrySource)
	}
	return st, nil
}

func newGenerator(cfg config.Config, awsCfg aws.Config) (usecase.Generator, error) {
	switch cfg.Generator {
	case config.GeneratorBedrock:
		g, err := bedrock.NewGenerator(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID, cfg.GenerationMaxTokens)
		if err != nil {
			return nil, fmt.Errorf("app: bedrock generator: %w", err)
		}
		return g, nil
	case config.GeneratorOpenAI:
		opts := []openai.Option{
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithMaxTokens(cfg.GenerationMaxTokens),
		}
		if cfg.OpenAIAPIKey != "" {
			opts = append(opts, openai.WithAPIKey(cfg.OpenAIAPIKey))
		} else {
			ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				return nil, fmt.Errorf("app: paramstore: %w", err)
			}
			opts = append(opts, openai.WithParamStore(ps, cfg.ParamPrefix))
		}
		g, err := openai.NewGenerator(cfg.OpenAIModel, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: openai generator: %w", err)
		}
		return g, nil
	default:
		return nil, fmt.Errorf("app: unsupported generator %q", cfg.Generator)
	}
}
