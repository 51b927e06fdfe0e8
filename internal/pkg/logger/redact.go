package logger

import "strings"

// RedactEmail masks the local part of an address so recipient identities
// never land in the logs while the domain stays visible for operators
// chasing a provider problem. Anything that does not look like an
// address is masked entirely.
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, host := email[:at], email[at+1:]
	if len(local) <= 2 {
		return "***@" + host
	}
	return local[:2] + "***@" + host
}
