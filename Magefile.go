//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"

	"github.com/dyluth/hone/internal/sqlstore"
)

var binaries = []string{"hone", "hone-worker"}

// Build builds every binary into bin/
func Build() error {
	mg.Deps(Vet, Test)

	version, _ := sh.Output("git", "describe", "--tags", "--always", "--dirty")
	if version == "" {
		version = "dev"
	}
	commit, _ := sh.Output("git", "rev-parse", "--short", "HEAD")
	ldflags := fmt.Sprintf("-s -w -X main.version=%s -X main.commit=%s -X main.date=%s",
		version, commit, time.Now().UTC().Format(time.RFC3339))

	for _, name := range binaries {
		fmt.Printf("Building %s...\n", name)
		if err := sh.RunV("go", "build", "-o", filepath.Join("bin", name), "-ldflags", ldflags, "./cmd/"+name); err != nil {
			return err
		}
	}
	return nil
}

// Test runs the unit tests
func Test() error {
	fmt.Println("Running Go tests...")
	return sh.RunV("go", "test", "-race", "-coverprofile=coverage.out", "./...")
}

// Integration runs the tests that need Docker (testcontainers Redis and Kafka)
func Integration() error {
	fmt.Println("Running integration tests...")
	return sh.RunV("go", "test", "-tags", "integration", "-count=1", "./...")
}

// Vet runs go vet
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Schema applies the SQL store schema to a scratch database
func Schema() error {
	dir, err := os.MkdirTemp("", "hone-schema")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	store, err := sqlstore.Open(context.Background(), filepath.Join(dir, "hone.db"))
	if err != nil {
		return fmt.Errorf("schema check failed: %w", err)
	}
	defer store.Close()
	fmt.Println("✅ SQL schema applied cleanly")
	return nil
}

// Clean removes build output
func Clean() error {
	fmt.Println("Cleaning...")
	for _, path := range []string{"bin", "coverage.out"} {
		if err := sh.Rm(path); err != nil {
			return err
		}
	}
	return nil
}
