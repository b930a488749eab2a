/*
Package security provides peer transport identity: a certificate
authority (CertAuthority) that issues short-lived node/client
certificates for mTLS between peers, plus AES-256-GCM helpers used to
encrypt the CA's root key at rest.

This package is deliberately independent of the block-store core: the
spec treats signing and hashing of protocol records (ClusterRecord,
block digests) as an externally supplied primitive, implemented
separately in pkg/blockstore/crypto. CertAuthority instead secures the
transport layer — the optional TLS wrapped around the wire package's
listeners — the same role pkg/security played for the teacher's gRPC
services, retargeted from per-service mTLS to per-peer mTLS.
*/
package security
