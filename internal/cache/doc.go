// Package cache implements the two-tier payload store behind the download
// coordinator. Every entry is addressed by a normalized Key; fresh payloads
// land in the memory tier and least-recently-used entries are demoted to the
// disk tier (StoragePath/<sha256(key)>) once memory exceeds its budget. Disk
// hits are promoted back into memory when there is room. Both tiers enforce
// their byte budgets after every put, evict, and budget change.
//
// Disk writes follow the temp file + rename pattern so a crash never leaves a
// half-written entry under a digest name, and files left in the root by a
// previous run are re-indexed on construction.
package cache
