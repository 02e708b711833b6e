package state

import "strings"

// run.json sits in plain text under the deployment root, so env values
// whose keys look credential-like are masked before a ServiceRecord is
// persisted or rendered.
var secretKeyFragments = []string{
	"PASSWORD",
	"SECRET",
	"TOKEN",
	"KEY",
	"CREDENTIAL",
	"AUTH",
	"PRIVATE",
	"CERT",
	"PASSPHRASE",
}

const maskedValue = "[REDACTED]"

// SanitizeEnv copies env, masking every value whose key contains a
// credential-looking fragment. The input map is left untouched.
func SanitizeEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
		upper := strings.ToUpper(k)
		for _, frag := range secretKeyFragments {
			if strings.Contains(upper, frag) {
				out[k] = maskedValue
				break
			}
		}
	}
	return out
}
