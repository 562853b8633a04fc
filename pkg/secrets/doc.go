// Package secrets resolves ${secret:name} references in configuration
// values.
//
// Credentials such as the Postgres DSN and the Redis password can be kept
// out of ledger.yaml:
//
//	storage:
//	  postgres:
//	    dsn: ${secret:postgres-dsn}
//	notify:
//	  redis:
//	    password: ${secret:redis-password}
//
// A reference is looked up in each provider in order. The file provider
// reads <secrets.dir>/<name> (Kubernetes and Docker secret mounts); the
// environment provider reads <secrets.env_prefix><NAME> with hyphens
// turned into underscores, so "redis-password" is read from
// LEDGER_SECRET_REDIS_PASSWORD by default.
//
// Secret files must not be readable by group or others.
package secrets
