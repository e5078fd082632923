// Package config loads tollgate configuration.
//
// Values come from three layers, later layers winning:
//
//  1. Default()
//  2. the YAML file named by TOLLGATE_CONFIG_FILE, when set
//  3. TOLLGATE_* environment variables
//
// A minimal production environment:
//
//	TOLLGATE_POSTGRES_URL="postgres://tollgate@db/tollgate?sslmode=disable"
//	TOLLGATE_REDIS_URL="redis://redis:6379/0"
//	TOLLGATE_STORAGE_TYPE="s3"
//	TOLLGATE_S3_BUCKET="tollgate-documents"
//	TOLLGATE_GATEWAY_URL="https://pay.example.net"
//	TOLLGATE_GATEWAY_API_KEY="..."
//	TOLLGATE_DISPATCH_RELAY_URL="https://mail-relay.internal/send"
//
// The same settings as a file:
//
//	database:
//	  url: postgres://tollgate@db/tollgate?sslmode=disable
//	billing:
//	  vat_rate: "0.12"
//	  due_days: 15
//	settlement:
//	  stale_after: 10m
//	  max_attempts: 3
//
// LoadConfig validates the result, including cron schedule syntax and the
// VAT rate, and reports every problem at once.
package config
