package service

import (
	"path/filepath"
	"strings"
)

// Project names are derived deterministically from a stage's primary input
// file so that every stage of the same story lands on the same state record:
// "demo.txt" -> "demo", "demo_schema.json" -> "demo",
// "demo_storyboard.txt" -> "demo".

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func DeriveProjectNameFromStoryFile(path string) string {
	return baseName(path)
}

func DeriveProjectNameFromSchemaFile(path string) string {
	return strings.TrimSuffix(baseName(path), "_schema")
}

func DeriveProjectNameFromStoryboardFile(path string) string {
	return strings.TrimSuffix(baseName(path), "_storyboard")
}

func DeriveProjectNameFromScreenplayFile(path string) string {
	return strings.TrimSuffix(baseName(path), "_screenplay")
}
