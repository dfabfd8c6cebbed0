// Package keysource loads private keys and certificates for TLS contexts
// from local files, PKCS#12 containers or HashiCorp Vault KV secrets.
//
// A Vault secret holds PEM fields (certificate, private_key, optional
// ca_chain and passphrase) or a base64 pkcs12 field:
//
//	src, err := keysource.NewVaultSource(keysource.VaultConfig{
//	    Address: "https://vault:8200",
//	    Token:   os.Getenv("VAULT_TOKEN"),
//	    Path:    "tls/frontend",
//	})
//	if err != nil {
//	    return err
//	}
//	if err := keysource.LoadInto(ctx, src, tlsCtx); err != nil {
//	    return err
//	}
//
// A Watcher polls any source and hands new versions to a callback, which
// typically builds a fresh context for new connections.
package keysource
