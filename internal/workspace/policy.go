// SPDX-License-Identifier: MPL-2.0

package workspace

import (
	"fmt"
	"strings"
)

// Policies for output destinations that already exist on the client.
const (
	// PolicySymlink links to the existing file and lets the tool decide
	// whether to overwrite it (ffmpeg asks unless -y or -n is given).
	PolicySymlink ExistingOutput = "symlink"
	// PolicyHardlink hard-links the existing file so the remote writes the
	// same inode. It degrades to a symlink across devices.
	PolicyHardlink ExistingOutput = "hardlink"
	// PolicyReplace removes the existing destination before linking.
	PolicyReplace ExistingOutput = "replace"
)

// Link kinds.
const (
	// KindSymlink is a symbolic link to a client file.
	KindSymlink LinkKind = iota + 1
	// KindHardlink is a hard link to an existing client file.
	KindHardlink
	// KindDirlink is a symbolic link to the directory holding the client file.
	KindDirlink
)

type (
	// ExistingOutput selects how an output whose destination exists is linked.
	ExistingOutput string

	// LinkKind describes how an entry refers to its client target.
	LinkKind int
)

// ParseExistingOutput converts a configuration value into a policy. The empty
// string selects PolicySymlink.
func ParseExistingOutput(s string) (ExistingOutput, error) {
	switch p := ExistingOutput(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicySymlink, nil
	case PolicySymlink, PolicyHardlink, PolicyReplace:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q (valid: symlink, hardlink, replace)", ErrInvalidPolicy, s)
	}
}

// String returns the kind name used in logs.
func (k LinkKind) String() string {
	switch k {
	case KindSymlink:
		return "symlink"
	case KindHardlink:
		return "hardlink"
	case KindDirlink:
		return "dirlink"
	default:
		return "unknown"
	}
}
