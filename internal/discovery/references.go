package discovery

import "regexp"

// referencePattern matches an explicit in-text pointer to another node:
// a 4-to-16-character hex id prefix, optionally followed by "@v<N>" to pin a
// specific version. Analyzer output and human-written decisions both use
// this shape when citing earlier work, e.g. "see a1b2c3d4@v2".
var referencePattern = regexp.MustCompile(`\b([0-9a-f]{4,16})(?:@v(\d+))?\b`)

// NodeReference is one explicit reference extracted from a node's text.
type NodeReference struct {
	IDPrefix string
	Version  int // 0 means unspecified
}

// ExtractReferences scans text for node-id-shaped references. It does not
// deduplicate; callers resolve each occurrence independently since the same
// prefix can appear bound to different versions in the same text.
func ExtractReferences(text string) []NodeReference {
	matches := referencePattern.FindAllStringSubmatch(text, -1)
	refs := make([]NodeReference, 0, len(matches))
	for _, m := range matches {
		ref := NodeReference{IDPrefix: m[1]}
		if m[2] != "" {
			for _, c := range m[2] {
				ref.Version = ref.Version*10 + int(c-'0')
			}
		}
		refs = append(refs, ref)
	}
	return refs
}
