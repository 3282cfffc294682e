/*
Package security provides cryptographic services for a Formation
fleet: secrets at rest, and a certificate authority that issues node
and client certificates.

# Architecture

Three pieces, rooted in a 32-byte cluster encryption key derived from
the cluster id:

	clusterKey = SHA-256(clusterID)

The package-level Encrypt and Decrypt use that key for AES-256-GCM
encrypt/decrypt of cluster data (the CA's root private key, at rest in
pkg/storage); SecretsManager does the same AES-256-GCM sealing under a
32-byte key its caller supplies. OperatorKeystore is unrelated: it
derives its own key per-blob from an operator-supplied password via
Argon2id, persisting salt(32) ‖ nonce(12) ‖ ciphertext, for securing an
operator's local credentials independent of cluster membership.
CertAuthority creates the self-signed root and issues node and client
leaf certificates signed by it; certs.go saves and loads them as PEM
files, and CertNeedsRotation reports when fewer than 30 days of validity
remain. No server in this repository serves TLS with these
certificates.

# Key derivation

	DeriveKeyFromClusterID(clusterID) -> SHA-256(clusterID)
	SetClusterEncryptionKey(key)      -> installs the process-wide key
	Encrypt(plaintext), Decrypt(ciphertext) -> AES-256-GCM against that key

# Operator keystore

	ks, _ := NewOperatorKeystore(password)
	blob, _ := ks.Seal(plaintext)   // salt ‖ nonce ‖ ciphertext
	plain, _ := ks.Open(blob)

Seal generates a fresh random salt per call, so Argon2id's per-blob key
derivation cost (64 MiB, 1 pass, 4 threads) is paid once per secret
written rather than once per process.
*/
package security
