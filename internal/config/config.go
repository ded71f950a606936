package config

import "os"

// Config holds the env-derived settings read once at startup. Redis and
// postgres connection details are read by their own packages; this covers
// the server-level knobs.
type Config struct {
	ServerPort  string
	ProblemsDir string
}

func Load() *Config {
	return &Config{
		ServerPort:  getEnv("PORT", "8080"),
		ProblemsDir: getEnv("PROBLEMS_DIR", "problems"),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
