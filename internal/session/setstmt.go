package session

import "strings"

// ApplySet updates State from a client-issued statement observed by the
// Command Phase Engine (a USE statement, or the body of a COM_QUERY whose
// text starts with SET). Recognized variables are folded into their
// dedicated fields; anything else is kept verbatim as a user variable,
// which replay re-issues as `SET @name = 'value'`: an unrecognized session
// system variable comes back as a user variable of that name, not as the
// system setting.
func (s *State) ApplySet(statement string) {
	trimmed := strings.TrimSpace(statement)
	trimmed = strings.TrimSuffix(trimmed, ";")

	if schema, ok := parseUse(trimmed); ok {
		s.Schema = schema
		return
	}

	body, ok := parseSet(trimmed)
	if !ok {
		return
	}

	for _, assignment := range splitAssignments(body) {
		name, value, ok := splitAssignment(assignment)
		if !ok {
			continue
		}
		s.applyAssignment(name, value)
	}
}

func (s *State) applyAssignment(name, value string) {
	unquoted := unquote(value)
	switch normalizeVarName(name) {
	case "autocommit":
		s.Autocommit = value == "1" || strings.EqualFold(unquoted, "on") || strings.EqualFold(unquoted, "true")
	case "names", "character_set_client", "character_set_results", "character_set_connection":
		// Charset names are not mapped to CharsetID here; the raw name
		// is kept as the user var __charset_name, which replay re-issues
		// only as that user variable, leaving the backend's character
		// set as it was.
		s.UserVars["__charset_name"] = unquoted
	case "sql_mode", "session sql_mode", "@@sql_mode", "@@session.sql_mode":
		s.SQLMode = unquoted
	case "session transaction isolation level", "transaction isolation level":
		s.Isolation = unquoted
	case "time_zone", "@@time_zone", "@@session.time_zone":
		s.TimeZone = unquoted
	default:
		if strings.HasPrefix(name, "@") {
			s.UserVars[strings.TrimPrefix(name, "@")] = unquoted
		} else {
			s.UserVars[name] = unquoted
		}
	}
}

func normalizeVarName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func parseUse(statement string) (string, bool) {
	fields := strings.Fields(statement)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "USE") {
		return "", false
	}
	return strings.Trim(fields[1], "`"), true
}

func parseSet(statement string) (string, bool) {
	upper := strings.ToUpper(statement)
	switch {
	case strings.HasPrefix(upper, "SET SESSION "):
		return statement[len("SET SESSION "):], true
	case strings.HasPrefix(upper, "SET GLOBAL "):
		return statement[len("SET GLOBAL "):], true
	case strings.HasPrefix(upper, "SET "):
		return statement[len("SET "):], true
	default:
		return "", false
	}
}

// splitAssignments splits a comma-separated SET body, respecting single
// and double quoted values so commas inside string literals don't split.
func splitAssignments(body string) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ',':
			parts = append(parts, body[start:i])
			start = i + 1
		}
	}
	parts = append(parts, body[start:])
	return parts
}

func splitAssignment(assignment string) (name, value string, ok bool) {
	idx := strings.Index(assignment, "=")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(assignment[:idx]), strings.TrimSpace(assignment[idx+1:]), true
}

func unquote(value string) string {
	if len(value) >= 2 {
		if (value[0] == '\'' && value[len(value)-1] == '\'') || (value[0] == '"' && value[len(value)-1] == '"') {
			return value[1 : len(value)-1]
		}
	}
	return value
}
