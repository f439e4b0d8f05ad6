// Package config loads the relay node configuration from TOML.
//
// Every section has defaults, so an empty file is a valid single-process
// in-memory deployment. A handful of environment variables override the
// file for container use:
//
//	RELAY_QUEUE_BACKEND  queue.backend
//	RELAY_REDIS_ADDR     queue.redis.addr
//	RELAY_NATS_URL       queue.jetstream.url
//	RELAY_LLM_API_KEY    llm.api_key
//	RELAY_LOG_LEVEL      log.level
package config
