package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/hounfour/gateway/internal/gwerr"
)

const redactedSentinel = "***REDACTED***"

// envAllowlist limits which environment variables {env:VAR} may resolve.
// GATEWAY_-prefixed vars plus the well-known provider keys.
var envAllowlist = []*regexp.Regexp{
	regexp.MustCompile(`^GATEWAY_`),
	regexp.MustCompile(`^OPENAI_API_KEY$`),
	regexp.MustCompile(`^ANTHROPIC_API_KEY$`),
	regexp.MustCompile(`^MOONSHOT_API_KEY$`),
}

func envAllowed(name string) bool {
	for _, re := range envAllowlist {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// interpolateEnv resolves a {env:VAR} reference; any other value passes
// through untouched. An allowed var that is unset resolves to empty, which
// downstream validation treats the same as a missing key.
func interpolateEnv(value string) (string, error) {
	if !strings.HasPrefix(value, "{env:") || !strings.HasSuffix(value, "}") {
		return value, nil
	}
	name := value[len("{env:") : len(value)-1]
	if name == "" {
		return "", gwerr.New(gwerr.KindInput, gwerr.CodeConfigInvalid, "empty env reference")
	}
	if !envAllowed(name) {
		return "", gwerr.New(gwerr.KindInput, gwerr.CodeConfigInvalid,
			fmt.Sprintf("env var %s is not in the interpolation allowlist", name))
	}
	return os.Getenv(name), nil
}
