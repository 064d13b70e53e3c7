package backend

import (
	"fmt"
	"os"
	"strings"
)

// parentEnvWhitelist is the only parent environment passed to stdio
// children. Everything else, in particular ambient credentials, is dropped.
var parentEnvWhitelist = []string{
	"PATH", "HOME", "NODE_ENV", "LANG", "TZ", "TERM", "USER", "SHELL",
}

// blockedEnvNames are rejected in per-backend config env: they change
// loader or interpreter behavior and would let catalog writers escape the
// subprocess sandbox.
var blockedEnvNames = map[string]struct{}{
	"PATH":                   {},
	"LD_PRELOAD":             {},
	"LD_LIBRARY_PATH":        {},
	"NODE_OPTIONS":           {},
	"NODE_PATH":              {},
	"DYLD_INSERT_LIBRARIES":  {},
	"DYLD_LIBRARY_PATH":      {},
}

// shellMetaChars must not appear anywhere in the command; the command is
// never passed to a shell, but rejecting them keeps catalog entries that
// expect shell evaluation from silently misbehaving.
const shellMetaChars = "|&;<>`$(){}[]*?~\n"

// validateCommand checks a stdio command for emptiness and shell
// metacharacters.
func validateCommand(argv []string) error {
	if len(argv) == 0 || argv[0] == "" {
		return fmt.Errorf("%w: empty command", ErrStartup)
	}
	for _, arg := range argv {
		if strings.ContainsAny(arg, shellMetaChars) {
			return fmt.Errorf("%w: command argument contains shell metacharacters", ErrStartup)
		}
	}
	return nil
}

// buildEnv assembles the child environment: whitelisted parent variables,
// then config env, then injected credential env. Blocked names anywhere in
// the configured portions are an error.
func buildEnv(configEnv, credentialEnv map[string]string) ([]string, error) {
	env := make([]string, 0, len(parentEnvWhitelist)+len(configEnv)+len(credentialEnv))
	for _, name := range parentEnvWhitelist {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}

	for _, set := range []map[string]string{configEnv, credentialEnv} {
		for name, value := range set {
			if _, blocked := blockedEnvNames[strings.ToUpper(name)]; blocked {
				return nil, fmt.Errorf("%w: environment variable %s is not permitted", ErrStartup, name)
			}
			env = append(env, name+"="+value)
		}
	}
	return env, nil
}
