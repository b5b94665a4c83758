package app

import (
	"os"
	"strings"
)

type Config struct {
	Env      string
	HTTPAddr string

	// TemplateAPIURL points the session core at a remote code-block API.
	// Empty means serve the bundled sqlite store at BlocksDBPath.
	TemplateAPIURL string
	BlocksDBPath   string

	// MatchMode selects the solution comparison policy: exact, trim, or
	// collapse.
	MatchMode string

	CORSAllow []string
}

func LoadConfig() Config {
	cfg := Config{
		Env:            getEnv("APP_ENV", "dev"),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		TemplateAPIURL: getEnv("TEMPLATE_API_URL", ""),
		BlocksDBPath:   getEnv("BLOCKS_DB_PATH", "./data/coderoom.db"),
		MatchMode:      getEnv("MATCH_MODE", "trim"),
	}
	cfg.CORSAllow = splitCSV(getEnv("CORS_ALLOW", "*"))
	return cfg
}

// getEnv returns the env var or a default
func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// splitCSV trims and filters a comma-separated list
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
