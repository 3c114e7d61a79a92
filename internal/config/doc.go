// ABOUTME: Package documentation for the config package
// ABOUTME: Documents the YAML layout, env expansion, and validation rules

// Package config handles configuration loading for passkey-gateway.
//
// Configuration is loaded from YAML files with environment variable
// expansion (${VAR_NAME}) and Go duration syntax for time values.
//
// A minimal configuration:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/passkey-gateway/gateway.db"
//
//	relying_party:
//	  base_url: "https://auth.example.com"
//	  display_name: "Example Auth"
//
// Optional sections:
//
//	session:
//	  secret: "${PASSKEY_SESSION_SECRET}"  # enables signed tokens
//	  duration: "168h"                     # default 7 days
//
//	admission:
//	  limit: 10       # ceremony starts per client per window
//	  window: "1m"
//	  trust_proxy_header: false # key on X-Forwarded-For (trusted proxy only)
//
//	tailscale:
//	  enabled: true
//	  hostname: "passkey-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
