package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/roamlabs/convoctx/internal/config"
	"github.com/roamlabs/convoctx/internal/engine"
	"github.com/roamlabs/convoctx/internal/providers"
	"github.com/roamlabs/convoctx/internal/store"
)

type runtimeEnv struct {
	Registry *engine.Registry
	Model    string

	st      *store.Store
	sqlite  *store.SQLiteBackend
	redisCl *redis.Client
}

func (r *runtimeEnv) Close(ctx context.Context) {
	if r.Registry != nil {
		r.Registry.DisposeAll(ctx)
	}
	if r.st != nil {
		r.st.Close()
	}
	if r.sqlite != nil {
		r.sqlite.Close()
	}
	if r.redisCl != nil {
		r.redisCl.Close()
	}
}

func prepareRuntimeEnv(ctx context.Context, dataDirFlag string, userID string) (*runtimeEnv, error) {
	// Load user configuration; environment still wins for anything it sets.
	cfgManager, err := config.NewManager()
	var userConfig *config.Config
	if err == nil {
		userConfig, err = cfgManager.Load()
		if err != nil {
			log.Printf("⚠️  Failed to load user config: %v", err)
			userConfig = &config.Config{}
		} else if cfgManager.Exists() {
			log.Printf("User config loaded from: %s", cfgManager.GetConfigPath())
		}
	} else {
		log.Printf("⚠️  Failed to initialize config manager: %v", err)
		userConfig = &config.Config{}
	}

	applyConfigToEnv(userConfig)

	dataDir := dataDirFlag
	if dataDir == "" {
		dataDir = userConfig.DataDir
	}
	if dataDir == "" && cfgManager != nil {
		dataDir = cfgManager.DefaultDataDir()
	}
	if dataDir == "" {
		dataDir = ".convoctx"
	}

	env := &runtimeEnv{}

	st, err := setupStore(ctx, env, dataDir, userID, userConfig)
	if err != nil {
		return nil, err
	}
	env.st = st

	// Completion client is optional; without it summaries fall back to
	// extractive mode.
	var completer engine.CompletionClient
	client, model, err := providers.NewCompletionClientFromEnv()
	if err != nil {
		log.Printf("⚠️  No completion provider: %v (generative summaries disabled)", err)
		model = userConfig.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
	} else {
		completer = client
		log.Printf("Completion provider ready (model: %s)", model)
	}

	engineCfg := engine.DefaultConfig(model)
	if userConfig.MaxTokens > 0 {
		engineCfg.MaxTokens = userConfig.MaxTokens
	}
	if userConfig.MaxMessages > 0 {
		engineCfg.MaxMessages = userConfig.MaxMessages
	}
	if userConfig.SummaryStrategy != "" {
		engineCfg.SummaryStrategy = engine.SummaryStrategy(userConfig.SummaryStrategy)
	}
	engineCfg.AutoBranch = userConfig.AutoBranch

	registry, err := engine.NewRegistry(engine.RegistryDeps{
		Config:    engineCfg,
		Completer: completer,
		Persister: st,
		Hooks:     engine.Hooks{&engine.LoggerHook{L: log.Default()}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	env.Registry = registry
	env.Model = model
	return env, nil
}

// setupStore wires the persistence tiers: Redis primary when configured,
// otherwise SQLite; file backend as backup.
func setupStore(ctx context.Context, env *runtimeEnv, dataDir, userID string, userConfig *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fileBackend, err := store.NewFileBackend(filepath.Join(dataDir, "contexts"), 0)
	if err != nil {
		return nil, err
	}

	var primary store.Backend
	var broadcaster store.Broadcaster

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = userConfig.RedisAddr
	}

	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("⚠️  Redis at %s unreachable: %v (falling back to sqlite)", redisAddr, err)
			client.Close()
		} else {
			env.redisCl = client
			primary = store.NewRedisBackend(client)
			broadcaster = store.NewRedisBroadcaster(client)
			log.Printf("Using redis storage at %s", redisAddr)
		}
	}

	if primary == nil {
		sqliteBackend, err := store.NewSQLiteBackend(filepath.Join(dataDir, "contexts.db"), userConfig.StorageLimit)
		if err != nil {
			return nil, err
		}
		env.sqlite = sqliteBackend
		primary = sqliteBackend
	}

	st, err := store.New(store.Options{
		Primary:     primary,
		Backup:      fileBackend,
		Broadcaster: broadcaster,
		OnConflict: func(ce store.ConflictError) {
			log.Printf("⚠️  Conversation %s/%s was updated elsewhere; your last change was not saved",
				ce.UserID, ce.ConversationID)
		},
		OnChange: func(ch store.Change) {
			log.Printf("Conversation %s/%s changed in another session", ch.UserID, ch.ConversationID)
		},
	})
	if err != nil {
		return nil, err
	}

	if broadcaster != nil {
		if err := st.Watch(ctx, userID); err != nil {
			log.Printf("⚠️  Change watch failed: %v", err)
		}
	} else {
		// No pub/sub tier: watch the backup files for writes from other
		// processes on this machine.
		changes, err := fileBackend.Watch(ctx)
		if err != nil {
			log.Printf("⚠️  File watch failed: %v", err)
		} else {
			go func() {
				for path := range changes {
					log.Printf("Conversation data changed on disk: %s", path)
				}
			}()
		}
	}
	return st, nil
}

// applyConfigToEnv promotes saved config values into the environment so the
// provider factory sees them. Explicit config wins over stale shell vars.
func applyConfigToEnv(userConfig *config.Config) {
	if userConfig.LLMProvider != "" {
		os.Setenv("LLM_PROVIDER", userConfig.LLMProvider)
	}
	if userConfig.APIKey == "" {
		return
	}
	switch userConfig.LLMProvider {
	case "openai":
		os.Setenv("OPENAI_API_KEY", userConfig.APIKey)
		if userConfig.Model != "" {
			os.Setenv("OPENAI_MODEL", userConfig.Model)
		}
		if userConfig.BaseURL != "" {
			os.Setenv("OPENAI_BASE_URL", userConfig.BaseURL)
		}
	case "anthropic":
		os.Setenv("ANTHROPIC_API_KEY", userConfig.APIKey)
		if userConfig.Model != "" {
			os.Setenv("ANTHROPIC_MODEL", userConfig.Model)
		}
	case "kimi":
		os.Setenv("KIMI_API_KEY", userConfig.APIKey)
		if userConfig.Model != "" {
			os.Setenv("KIMI_MODEL", userConfig.Model)
		}
	}
}
