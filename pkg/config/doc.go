// Package config loads the engine configuration.
//
// Configuration comes from three layers, later ones winning: built-in
// defaults, a steward.yaml file and STEWARD_-prefixed environment
// variables. Nested keys map to environment names by replacing dots with
// underscores:
//
//	execution:
//	  concurrency: 8        # STEWARD_EXECUTION_CONCURRENCY
//	  call_timeout: 30s
//	retry:
//	  max_attempts: 5
//	cache:
//	  ttl: 15m
//	  backend: sqlite       # memory, sqlite or redis
//	  path: /var/lib/steward/cache.db
//	history:
//	  path: /var/lib/steward/history.db
//	  retention: 720h
//	telemetry:
//	  logging:
//	    level: debug        # STEWARD_TELEMETRY_LOGGING_LEVEL
//
// Without an explicit path, steward.yaml is searched in the working
// directory and then in $HOME/.steward.
package config
