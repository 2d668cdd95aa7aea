// Package logger provides the daemon-wide zap logger.
//
// # Design
//
//   - Singleton: one instance initialized with Init() from cmd/clusterd.
//   - Components: every subsystem asks for Named("dispatch"), Named("client")
//     and so on, so log lines carry the originating component.
//   - Environments: "dev" writes colored console output, "prod" writes JSON.
//   - Levels: debug, info, warn, error (configurable via CLUSTERD_LOG_LEVEL).
//
// # Usage
//
//	logger.Init(logger.Config{Env: cfg.Log.Env, Level: cfg.Log.Level})
//	defer logger.Sync()
//
//	log := logger.Named("dispatch")
//	log.Warn("dropping call for unknown database", logger.DBID(id))
package logger
