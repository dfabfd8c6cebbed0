// Package config loads the avatls configuration file.
//
// The file is YAML. Values may reference the environment as ${VAR} or
// ${VAR:-default}; $$ is a literal dollar sign. Unknown keys are rejected.
// Relative file paths are resolved against the directory of the file.
//
//	server:
//	  listen: ":8443"
//	  rateLimit: {enabled: true, rps: 50, burst: 10}
//	tls:
//	  method: server
//	  minVersion: TLS12
//	  alpn: [h2, http/1.1]
//	keySource:
//	  type: vault
//	  watchInterval: 1m
//	  vault:
//	    address: ${VAULT_ADDR}
//	    token: ${VAULT_TOKEN}
//	    path: tls/web
//
// Watcher reloads the file, and re-reads it when a certificate, key or CA
// file it names changes on disk.
package config
