// Package config loads meshfetch settings from a TOML file with
// MESHFETCH_* environment overrides.
//
// A file only needs the keys it changes:
//
//	log_level = "debug"
//
//	[scheduler]
//	strategy = "load-balanced"
//
//	[relay]
//	preferred_relays = ["/dns4/relay.example.net/tcp/4001/p2p/12D3KooW..."]
//	min_health_score = 30.0
//
// Environment variables are named after the section and field, for
// example MESHFETCH_SCHEDULER_MAX_RETRIES or MESHFETCH_RELAY_PROBE_RATE.
package config
