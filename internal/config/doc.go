// Package config handles configuration loading for catalyst-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CATALYST_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_interval: "15s"
//	  heartbeat_timeout: "60s"
//	  handshake_deadline: "10s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # Websocket endpoints and health checks
//
// Database:
//
//	database:
//	  path: "/var/lib/catalyst/gateway.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${CATALYST_JWT_SECRET}"   # Required
//
// Agent population:
//
//	agents:
//	  heartbeat_interval: "15s"
//	  heartbeat_timeout: "60s"
//	  handshake_deadline: "10s"
//	  max_connections: 100
//
// Client population:
//
//	clients:
//	  handshake_deadline: "5s"
//	  max_connections: 500
//	  max_per_user: 4
//
// Rate limiting and guards:
//
//	limits:
//	  console_bytes_per_second: 65536
//	  max_pending_requests: 256
//	  enforce_suspension: true
//	  settings_ttl: "30s"
//
// Backup storage:
//
//	backups:
//	  local_dir: "/var/lib/catalyst/backups"
//	  stream_dir: "/var/lib/catalyst/backups/stream"
//	  retention_count: 5
//	  retention_days: 30
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/catalyst/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
