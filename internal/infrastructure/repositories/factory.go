package repositories

import (
	"context"

	"consultnet/internal/core/ports"
	"consultnet/internal/core/services"
	"consultnet/internal/infrastructure/repositories/memory"
	redisrepo "consultnet/internal/infrastructure/repositories/redis"
	"consultnet/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories, falling back to memory when Redis
// is disabled or unreachable.
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to
// memory when it is unreachable.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		cfg:      cfg,
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

// CreateHistoryRepository returns the Redis or memory history store
func (f *RepositoryFactory) CreateHistoryRepository() ports.SessionHistoryRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisHistoryRepository(f.redisClient, f.cfg.Redis.HistoryLimit)
	}
	return memory.NewMemoryHistoryRepository(int(f.cfg.Redis.HistoryLimit))
}

// CreateAppointmentDirectory returns nil when no appointments file is
// configured; rooms are then unlabeled.
func (f *RepositoryFactory) CreateAppointmentDirectory() (ports.AppointmentDirectory, error) {
	if f.cfg.Appointments.File == "" {
		return nil, nil
	}

	dir, err := memory.LoadAppointmentDirectory(f.cfg.Appointments.File)
	if err != nil {
		return nil, err
	}
	f.logger.Infow("loaded appointment directory",
		"file", f.cfg.Appointments.File,
		"appointments", dir.Len(),
	)

	if f.cfg.Appointments.CacheTTL <= 0 {
		return dir, nil
	}
	return services.NewCachedAppointmentDirectory(dir, f.cfg.Appointments.CacheTTL), nil
}

// RedisClient is nil when repositories are memory backed.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// Close closes the Redis client if one was opened
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsingRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
