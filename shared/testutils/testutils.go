package testutils

import (
	"os"
)

// BackupAndRestoreEnv snapshots an env var and returns a func to restore it.
// Meant to be used as `defer testutils.BackupAndRestoreEnv("FOO")()`.
func BackupAndRestoreEnv(k string) func() {
	origValue := os.Getenv(k)
	return func() {
		if origValue == "" {
			os.Unsetenv(k)
		} else {
			os.Setenv(k, origValue)
		}
	}
}

func IsGithubAction() bool {
	return os.Getenv("GITHUB_ACTION") != ""
}
