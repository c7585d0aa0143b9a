package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"syscall"
)

func containsAny(s string, subs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// ClassifySQLiteError turns a sqlite startup failure into an operator hint.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	switch {
	case containsAny(errStr, "permission denied", "access denied"):
		return fmt.Sprintf("Permission denied accessing the alert database at %s.\n"+
			"  Remediation: check the ownership of %s and of %s", absPath, absPath, parentDir)
	case containsAny(errStr, "database is locked", "SQLITE_BUSY"):
		return fmt.Sprintf("The alert database at %s is locked by another process.\n"+
			"  Remediation: make sure only one argus instance uses it (ps aux | grep argus)", absPath)
	case containsAny(errStr, "disk full", "no space", "SQLITE_FULL"):
		return fmt.Sprintf("Disk full, cannot write to the alert database at %s.\n"+
			"  Remediation: free space on the volume holding %s (df -h %s)", absPath, parentDir, parentDir)
	case containsAny(errStr, "corrupt", "malformed", "SQLITE_CORRUPT"):
		return fmt.Sprintf("The alert database at %s appears to be corrupted.\n"+
			"  Remediation: back it up, then try: sqlite3 %s \"PRAGMA integrity_check;\"", absPath, absPath)
	case containsAny(errStr, "read-only"):
		return fmt.Sprintf("The alert database location is on a read-only file system: %s.\n"+
			"  Remediation: set storage.sqlite_path or ARGUS_DB to a writable location", absPath)
	}
	return fmt.Sprintf("Failed to initialize the alert database at %s: %v\n"+
		"  Remediation: ensure %s exists and is writable, or set storage.sqlite_path to \"\" to disable storage",
		absPath, err, parentDir)
}

// ClassifyConnectionError turns a redis connection failure into an operator
// hint.
func ClassifyConnectionError(err error, addr string) string {
	if err == nil {
		return ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("Connection to %s timed out.\n"+
			"  Remediation: check that the server is up and reachable from this host", addr)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || containsAny(err.Error(), "connection refused") {
		return fmt.Sprintf("Connection to %s was refused.\n"+
			"  Remediation: check that the server is running and listening on %s", addr, addr)
	}
	if containsAny(err.Error(), "no such host") {
		return fmt.Sprintf("Cannot resolve the host of %s.\n"+
			"  Remediation: check redis.addr", addr)
	}
	if containsAny(err.Error(), "NOAUTH", "WRONGPASS", "invalid password") {
		return fmt.Sprintf("Authentication to %s failed.\n"+
			"  Remediation: check redis.password", addr)
	}
	return fmt.Sprintf("Failed to connect to %s: %v", addr, err)
}
