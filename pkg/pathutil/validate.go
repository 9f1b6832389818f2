// Package pathutil validates the names that end up in store keys.
package pathutil

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/jvs-project/agentlock/pkg/errclass"
)

const maxNameLen = 200

var repoIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+(/[a-zA-Z0-9._-]+)?$`)

// NormalizeLockName NFC-normalizes a requested lock name. Any non-empty
// printable name up to 200 bytes is a valid resource key.
func NormalizeLockName(name string) (string, error) {
	return normalize(name)
}

// ValidateRepoID checks a repository identifier such as "myrepo" or
// "owner/myrepo".
func ValidateRepoID(repoID string) error {
	id, err := normalize(repoID)
	if err != nil {
		return err
	}
	if strings.Contains(id, "..") {
		return errclass.ErrNameInvalid.WithMessagef("repo id must not contain '..': %s", repoID)
	}
	if !repoIDRegex.MatchString(id) {
		return errclass.ErrNameInvalid.WithMessagef("repo id must look like name or owner/name: %s", repoID)
	}
	return nil
}

func normalize(name string) (string, error) {
	if name == "" {
		return "", errclass.ErrNameInvalid.WithMessage("name must not be empty")
	}

	name = norm.NFC.String(name)

	if len(name) > maxNameLen {
		return "", errclass.ErrNameInvalid.WithMessagef("name longer than %d bytes", maxNameLen)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", errclass.ErrNameInvalid.WithMessagef("name must not contain control characters: %q", name)
		}
	}
	return name, nil
}
