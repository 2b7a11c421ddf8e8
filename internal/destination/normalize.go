// Package destination manages user-supplied Postgres destinations: connector
// string normalization, pooled connections, table materialization and row
// writes.
package destination

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/solodyne/chainsink/internal/metadata"
)

// ErrInvalidConfig is returned when a destination descriptor cannot be
// turned into a usable connector string. A malformed string is a hard
// failure; it is never patched up with substitute credentials.
var ErrInvalidConfig = errors.New("invalid destination configuration")

const canonicalScheme = "postgres"

// Normalize canonicalizes a destination descriptor into a single connector
// string. An explicit connection string wins; otherwise one is synthesized
// from the discrete fields. The postgresql:// alias is folded to
// postgres://, and any other scheme fails with ErrInvalidConfig.
func Normalize(db *metadata.Database) (string, error) {
	connString := db.ConnectionString

	if connString == "" {
		if db.Host == "" {
			return "", fmt.Errorf("%w: no connection string and no host", ErrInvalidConfig)
		}
		connString = synthesize(db)
	}

	switch {
	case strings.HasPrefix(connString, canonicalScheme+"://"):
		// Already canonical.
	case strings.HasPrefix(connString, "postgresql://"):
		connString = canonicalScheme + "://" + strings.TrimPrefix(connString, "postgresql://")
	default:
		return "", fmt.Errorf("%w: unrecognized scheme in connection string", ErrInvalidConfig)
	}

	if _, err := url.Parse(connString); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return connString, nil
}

func synthesize(db *metadata.Database) string {
	var b strings.Builder
	b.WriteString(canonicalScheme + "://")
	if db.Username != "" {
		b.WriteString(url.UserPassword(db.Username, db.Password).String())
		b.WriteString("@")
	}
	b.WriteString(db.Host)
	if db.Port != "" {
		b.WriteString(":" + db.Port)
	}
	if db.DBName != "" {
		b.WriteString("/" + db.DBName)
	}
	if db.SSL {
		b.WriteString("?sslmode=require")
	}
	return b.String()
}

// Redact masks the credential section of a connector string for logging.
func Redact(connString string) string {
	u, err := url.Parse(connString)
	if err != nil || u.User == nil {
		return connString
	}
	u.User = url.UserPassword("****", "****")
	return u.String()
}
