// Package config handles configuration loading for a coven-courier agent.
//
// # Configuration File
//
// The file format follows the extension: ".toml" files are parsed as TOML,
// anything else as YAML. Both formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	delivery:
//	  push_timeout: "3s"
//	  poll_interval: "5s"
//
// # Example
//
//	agent:
//	  id: "builder"
//	  role: "worker"
//	  capabilities: ["go", "review"]
//	  listen_addr: "127.0.0.1:7101"
//
//	storage:
//	  data_dir: "/srv/coven"
//
//	hierarchy:
//	  - agent_id: "builder"
//	    reports_to: "lead"
//	  - agent_id: "lead"
//	    reports_to: "director"
//
// Every tunable has a default; only agent.id is required.
package config
