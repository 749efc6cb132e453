// Package envelope implements the response encryption protocol: self-describing
// JSON envelopes that bind AES-256-GCM ciphertext to the key that produced it.
//
// Three shapes exist on the wire, distinguished by their marker fields and a
// version number:
//
//   - single-key envelopes (`"encrypted": true`) sealed with a service key
//     (keyHash) or a session token (tokenHash + userId)
//   - two-stage envelopes (`"encrypted": true, "twoStage": true`) whose
//     ciphertext is a complete token-bound envelope sealed again with a
//     per-request key
//   - multi-stage envelopes (`"multiEncrypted": true`) where a random master
//     key is wrapped once per party and every party must be present to decrypt
//
// Keys are stretched with PBKDF2-HMAC-SHA-256 (100,000 iterations, 16 byte
// salt). A SHA-256 hash of the raw key travels with the ciphertext so a wrong
// key is rejected before any AEAD work is attempted.
package envelope
