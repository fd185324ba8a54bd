// Package cryptoutils provides validated PEM key types for the audit signer
// and passphrase armoring for key backups.
//
// The key types wrap raw PEM bytes with constructors that validate the
// encoding up front, so the rest of the system can pass them around without
// re-checking:
//
//   - SignerPubkey: RSA public key, PKIX or PKCS1 PEM
//   - SignerPrivkey: RSA private key, PKCS8 or PKCS1 PEM
//
// Armoring (EncryptWithPassphrase/DecryptWithPassphrase) uses argon2id and
// AES-GCM and is used exclusively for the signer's restricted key export.
package cryptoutils
