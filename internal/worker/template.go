package worker

import (
	"fmt"
	"regexp"

	"github.com/ignite/dispatch-engine/internal/domain"
)

// tokenPattern matches well-formed substitution tokens: {{name}} or
// {{ name }}. Anything that does not match (unclosed braces, spaces inside
// the name) is left in the output verbatim.
var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// mergeVars builds the substitution variables for one recipient: the fixed
// identity fields first, then custom fields, then the job's tracking tags.
// Later sources win on key collisions.
func mergeVars(r *domain.Recipient, tags map[string]string) map[string]string {
	vars := make(map[string]string, 4+len(r.CustomFields)+len(tags))
	vars["id"] = r.ID
	vars["email"] = r.Email
	vars["name"] = r.DisplayName
	vars["display_name"] = r.DisplayName
	for k, v := range r.CustomFields {
		vars[k] = fmt.Sprintf("%v", v)
	}
	for k, v := range tags {
		vars[k] = v
	}
	return vars
}

// expandTemplate substitutes {{name}} tokens from vars. Unknown tokens
// expand to the empty string; malformed tokens stay verbatim.
func expandTemplate(s string, vars map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(tok string) string {
		name := tokenPattern.FindStringSubmatch(tok)[1]
		return vars[name]
	})
}
