// Package idgen generates the two stable identifier families used across
// the knowledge graph: deterministic node ids (derived from segment
// boundaries, so re-analysis of the same segment always lands on the same
// row) and random ids for jobs and edges, which carry no semantic meaning:
// a random id has the node id's 16-hex-char shape, and an edge id is one
// prefixed with "edg_".
package idgen

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/google/uuid"
)

// NodeIDLength is the number of hex characters in a node or job id.
const NodeIDLength = 16

// writeLengthPrefixed writes len(s) as a fixed-width uint64 followed by s
// itself, so that "a"+"b:c" and "a:b"+"c" hash to different byte streams
// even though naive concatenation (or a single-character delimiter) would
// collide.
func writeLengthPrefixed(h hash.Hash, s string) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// GenerateDeterministicNodeID computes the 16-hex-char node id for a
// segment, hashing the session file path and the segment's start/end entry
// ids with explicit length prefixes so that no combination of inputs can be
// confused with another via delimiter collision.
func GenerateDeterministicNodeID(sessionFile, segmentStart, segmentEnd string) string {
	h := sha256.New()
	writeLengthPrefixed(h, sessionFile)
	writeLengthPrefixed(h, segmentStart)
	writeLengthPrefixed(h, segmentEnd)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:NodeIDLength/2])
}

// GenerateRandomID returns a random 16-hex-char id suitable for jobs and
// edges. It is drawn from a v4 UUID's random bits rather than hashed from
// content, because jobs have no content-addressable identity of their own;
// only the first NodeIDLength/2 bytes are kept so job and edge ids share the
// node id's short hex shape.
func GenerateRandomID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("idgen: generate uuid: %w", err)
	}
	raw := id[:]
	return hex.EncodeToString(raw[:NodeIDLength/2]), nil
}

// MustGenerateRandomID panics if the system random source fails, which in
// practice only happens on a badly misconfigured kernel. Callers on the hot
// enqueue path prefer this to threading an error through call sites that
// cannot meaningfully recover from a broken random source.
func MustGenerateRandomID() string {
	id, err := GenerateRandomID()
	if err != nil {
		panic(err)
	}
	return id
}

// EdgeID returns a prefixed edge identifier ("edg_" + random 16 hex chars),
// matching the spec's edge id shape.
func EdgeID() (string, error) {
	id, err := GenerateRandomID()
	if err != nil {
		return "", err
	}
	return "edg_" + id, nil
}
