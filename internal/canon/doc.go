// Package canon provides canonical serialization and content hashing for
// job records.
//
// Everything that ends up inside a proof pack digest goes through
// MarshalCanonical (RFC 8785 canonical JSON). Content hashes of input and
// output artifacts are plain SHA-256 over the exact bytes, so a reader can
// verify them without this package.
//
// canon imports nothing internal.
package canon
