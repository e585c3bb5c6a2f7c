package utils

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ReadEnv parses a key=value file into a map. Duplicate keys resolve to the
// last occurrence, which is what the append-only state log relies on.
func ReadEnv(file string) (map[string]string, error) {
	return godotenv.Read(file)
}

// CreateIfNotExists creates the directory path unless something is already there.
func CreateIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModePerm)
	}
	return nil
}

// UniqueSlice removes duplicates, keeping first occurrence order.
func UniqueSlice(slice []string) []string {
	keys := make(map[string]bool)
	list := []string{}
	for _, entry := range slice {
		if _, value := keys[entry]; !value {
			keys[entry] = true
			list = append(list, entry)
		}
	}
	return list
}

// CleanupSlice drops empty or whitespace-only entries.
func CleanupSlice(slice []string) []string {
	var cleaned []string
	for _, item := range slice {
		if strings.TrimSpace(item) == "" {
			continue
		}
		cleaned = append(cleaned, item)
	}
	return cleaned
}

// EnvOrDefault reads an environment override, falling back to def.
func EnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
