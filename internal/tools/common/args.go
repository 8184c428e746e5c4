package common

import "strings"

// StringArg returns the trimmed string argument name, or "" when it is
// missing or not a string.
func StringArg(args map[string]any, name string) string {
	v, ok := args[name].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// BoolArg returns the boolean argument name. The strings "true" and "false"
// are accepted for clients that send every parameter as a string.
func BoolArg(args map[string]any, name string) bool {
	switch v := args[name].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}

// UserFromArgs returns the single user a request targets, for audit
// records. Batch requests over several users return "".
func UserFromArgs(args map[string]any) string {
	user := StringArg(args, "user_id")
	if strings.HasPrefix(user, "[") {
		return ""
	}
	return user
}
