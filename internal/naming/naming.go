// Package naming derives canonical lock keys from requested names.
package naming

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/jvs-project/agentlock/pkg/errclass"
	"github.com/jvs-project/agentlock/pkg/pathutil"
)

// WorkSentinel asks the resolver to derive the name from the branch.
const WorkSentinel = "work"

var (
	issueBranch = regexp.MustCompile(`^issue-([0-9]+)(?:-.*)?$`)
	waveBranch  = regexp.MustCompile(`^wave-([0-9][0-9A-Za-z]*)(?:\.([0-9]+))?(?:-.*)?$`)
)

// Resolve maps a requested name to its canonical lock name. The sentinel
// "work" is resolved from branch; any other name is validated and returned
// as-is. A "work" request on a branch that follows no convention fails with
// ErrNameAmbiguous.
func Resolve(requested, branch string) (string, error) {
	if requested != WorkSentinel {
		return pathutil.NormalizeLockName(requested)
	}
	if name, ok := FromBranch(branch); ok {
		return name, nil
	}
	if branch == "" {
		return "", errclass.ErrNameAmbiguous.WithMessage(`cannot resolve "work": no current branch`)
	}
	return "", errclass.ErrNameAmbiguous.WithMessagef(
		`cannot resolve "work" from branch %q: expected issue-<N>-* or wave-<W>[.<N>]-*`, branch)
}

// FromBranch parses a branch label against the issue and wave conventions.
// Only the last path segment is considered, so "agent/issue-7-x" matches.
func FromBranch(branch string) (string, bool) {
	if i := strings.LastIndexByte(branch, '/'); i >= 0 {
		branch = branch[i+1:]
	}
	if m := issueBranch.FindStringSubmatch(branch); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return "", false
		}
		return "issue:" + strconv.Itoa(n), true
	}
	if m := waveBranch.FindStringSubmatch(branch); m != nil {
		if m[2] != "" {
			return "wave:" + m[1] + "." + m[2], true
		}
		return "wave:" + m[1], true
	}
	return "", false
}
