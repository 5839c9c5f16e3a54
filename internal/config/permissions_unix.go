//go:build unix

package config

import (
	"fmt"
	"os"
)

// credentialFileWarning warns when a file holding credentials is accessible
// to group or others. Files that cannot be stat'ed are not reported.
func credentialFileWarning(kind, path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Sprintf("WARNING: %s %s is %04o; source tokens and warehouse passwords in it are readable by other users (chmod 600 %s)\n",
			kind, path, perm, path)
	}
	return ""
}
