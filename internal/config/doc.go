// Package config handles configuration loading for the castellan daemon.
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
//	attestation:
//	  signature_digest: "${CASTELLAN_APP_SIG_DIGEST}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  rate_limit_window: "60s"
//	  challenge_ttl: "30s"
//	  session_timeout: "10m"
//
// # Configuration Sections
//
// Control socket:
//
//	socket:
//	  path: "/run/castellan/control.sock"
//
// Authentication:
//
//	auth:
//	  enabled: true
//	  uid_min: 10000
//	  uid_max: 19999
//	  rate_limit_max_attempts: 10
//
// Attestation requirements:
//
//	attestation:
//	  package_name: "com.castellan.companion"
//	  signature_digest: "${CASTELLAN_APP_SIG_DIGEST}"
//	  min_security_level: "tee"
//
// Key whitelist and audit storage:
//
//	whitelist:
//	  dir: "/var/lib/castellan/keys"
//	audit:
//	  database_path: "/var/lib/castellan/audit.db"
package config
