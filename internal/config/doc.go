// Package config handles configuration loading for courier-hub.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and duration parsing.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	webhook:
//	  secret: "${COURIER_WEBHOOK_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	transport:
//	  timeout: "10s"
//	reply:
//	  timeout: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/courier/hub.db"
//
// Local identity (the handle the hub relays for):
//
//	identity:
//	  address: "+15550001111"
//
// Inbound webhook verification:
//
//	webhook:
//	  secret: "${COURIER_WEBHOOK_SECRET}"
//
// Outbound recipient allow list:
//
//	whitelist:
//	  allowed_recipients:
//	    - "+15551234567"
//
// Outbound transport API:
//
//	transport:
//	  api_url: "http://localhost:1234"
//	  api_key: "${TRANSPORT_API_KEY}"
//	  timeout: "10s"
//
// Automatic replies:
//
//	reply:
//	  enabled: true
//	  api_key: "${GEMINI_API_KEY}"
//	  model: "gemini-2.0-flash"
//	  personas_file: "personas.toml"
//	  timeout: "30s"
//
// Push notifications:
//
//	push:
//	  endpoint: "https://api.push.apple.com"
//	  auth_token: "${PUSH_AUTH_TOKEN}"
//	  topic: "com.example.courier"
//	  timeout: "5s"
//
// Client authentication:
//
//	auth:
//	  jwt_secret: "${COURIER_JWT_SECRET}"  # Empty disables client auth
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "courier-hub"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/courier/hub.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
