//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// broadGroups are icacls principals that cover every local user.
var broadGroups = []string{"everyone", "authenticated users", "builtin\\users"}

// credentialFileWarning warns when the ACL of a file holding credentials
// grants access to a broad group. It stays silent when icacls is unavailable.
func credentialFileWarning(kind, path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	out, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}
	acl := strings.ToLower(string(out))
	for _, group := range broadGroups {
		if strings.Contains(acl, group+":") {
			return fmt.Sprintf("WARNING: %s %s grants access to %q; source tokens and warehouse passwords in it are readable by other users\n"+
				"         icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n",
				kind, path, group, path)
		}
	}
	return ""
}
