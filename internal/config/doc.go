// Package config handles configuration loading for gorp.
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
//	backends:
//	  native:
//	    api_key: "${ANTHROPIC_API_KEY}"
//
// Syntax: ${VAR_NAME}. After parsing, GORP_* environment variables override
// individual fields (GORP_WORKSPACE, GORP_LOG_LEVEL, GORP_DEFAULT_BACKEND,
// GORP_WEB_ENABLED, GORP_WEB_ADDR).
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	bus:
//	  dedupe_ttl: "30m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Workspace (required) is the root directory for session working
// directories and the sessions database:
//
//	workspace: "/var/lib/gorp"
//
// Backends map backend names to free-form sections handed to the backend
// factory as JSON:
//
//	backends:
//	  direct:
//	    binary: "claude"
//	  acp:
//	    binary: "agent"
//	    timeout_secs: 120
//	  native:
//	    api_key: "${ANTHROPIC_API_KEY}"
//
//	defaults:
//	  backend: "direct"
//
// Bus tuning:
//
//	bus:
//	  capacity: 256
//	  dedupe_size: 10000
//	  dedupe_ttl: "1h"
//
// Gateways:
//
//	gateways:
//	  web:
//	    enabled: true
//	    addr: "127.0.0.1:8130"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/gorp/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
