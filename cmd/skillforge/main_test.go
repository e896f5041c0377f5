package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRegistration(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "resumable", "taxonomy"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	taxonomySubs := map[string]bool{}
	for _, cmd := range taxonomyCmd.Commands() {
		taxonomySubs[cmd.Name()] = true
	}
	assert.True(t, taxonomySubs["inspect"])
}

func TestRenderMarkdownNeverEmpty(t *testing.T) {
	out := renderMarkdown("# Heading\n\nsome text\n")
	require.NotEmpty(t, out)
}
