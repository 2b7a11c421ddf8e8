package destination

import "strings"

// ClassifyError maps a destination driver error onto a user-facing
// message for the connection test endpoint. Matching is substring-based
// because the driver reports these conditions as flat text.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()

	switch {
	case strings.Contains(msg, "password authentication failed"):
		return "Invalid username or password. Please check your credentials."
	case strings.Contains(msg, "does not exist"):
		return "Database or table does not exist. Please check your database name."
	case strings.Contains(msg, "connection terminated"), strings.Contains(msg, "Connection terminated"):
		return "Connection was terminated. This might be due to network issues or firewall restrictions."
	case strings.Contains(msg, "SSL"), strings.Contains(msg, "ssl"):
		return "SSL connection issue. Make sure SSL is properly configured for your database."
	case strings.Contains(msg, "permission denied"):
		return "Permission denied. Your database user may not have sufficient privileges."
	default:
		return "Failed to connect to the database: " + msg
	}
}
