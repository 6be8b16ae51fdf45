package config

import (
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads the given dotenv files into the process environment.
// Missing files are skipped and variables already set win. It returns the
// files that were loaded.
func LoadEnvFiles(files ...string) ([]string, error) {
	loaded := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return loaded, err
		}
		loaded = append(loaded, f)
	}
	return loaded, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces ${NAME} and ${NAME:-default}. A bare $ is left alone so
// secrets containing one survive. escape is set for JSON sources, where the
// value lands inside a string literal.
func expandEnv(b []byte, escape bool) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := os.LookupEnv(string(sub[1])); ok && v != "" {
			if escape {
				v = jsonSafe(v)
			}
			return []byte(v)
		}
		return sub[2]
	})
}

// jsonSafe escapes what would break out of a JSON string literal.
func jsonSafe(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	return r.Replace(v)
}
