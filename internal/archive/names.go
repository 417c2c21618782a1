package archive

import (
	"regexp"
	"strconv"
)

// partPattern matches "name.7z" and split volumes like "name.7z.001".
var partPattern = regexp.MustCompile(`^(.+?)\.7z(?:\.(\d+))?$`)

// IsArchive reports whether a file name is a 7z archive or one of its
// split volumes.
func IsArchive(name string) bool {
	return partPattern.MatchString(name)
}

// BaseName strips the .7z / .7z.NNN suffix, returning the logical
// archive name shared by all volumes. Non-archive names are returned
// unchanged.
func BaseName(name string) string {
	m := partPattern.FindStringSubmatch(name)
	if m == nil {
		return name
	}
	return m[1]
}

// PartNumber returns the volume number of a split part (1-based), or 0
// for an unsplit archive or a non-archive name.
func PartNumber(name string) int {
	m := partPattern.FindStringSubmatch(name)
	if m == nil || m[2] == "" {
		return 0
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0
	}
	return n
}

// ExpectedParts returns how many volumes a split produces for a given
// size, i.e. ceil(sizeBytes / splitBytes).
func ExpectedParts(sizeBytes int64, splitSizeMB int) int {
	if splitSizeMB <= 0 || sizeBytes <= 0 {
		return 1
	}
	splitBytes := int64(splitSizeMB) * 1024 * 1024
	return int((sizeBytes + splitBytes - 1) / splitBytes)
}
