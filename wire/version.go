package wire

import "fmt"

// Version is a msglink protocol version triple (major, minor, patch),
// transmitted on the wire as a three-element JSON array.
type Version [3]uint32

// Current is the protocol version of this source tree
var Current = Version{0, 1, 0}

// compatibleVersions is the explicit set of older protocol versions this
// implementation accepts. Compatibility is the listed set, not a semver
// relation.
var compatibleVersions = map[Version]struct{}{
	{0, 1, 0}: {},
}

// IsCompatible reports whether the peer version v is in the explicit
// compatible-versions set
func IsCompatible(v Version) bool {
	_, ok := compatibleVersions[v]
	return ok
}

// Less reports whether v orders strictly before o (major, then minor, then
// patch)
func (v Version) Less(o Version) bool {
	for i := range v {
		if v[i] != o[i] {
			return v[i] < o[i]
		}
	}
	return false
}

// String formats the version as "major.minor.patch"
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}
