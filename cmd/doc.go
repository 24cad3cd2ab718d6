// Package cmd provides the command-line interface for stencil.
//
// # Available Commands
//
//   - compile: compile every view and write the cache snapshot
//   - render: render one view with tags given as name=value pairs
//   - watch: recompile affected views on change and persist the snapshot
//   - serve: preview views over HTTP with websocket live reload
//   - snapshot: write the current snapshot to stdout or a file
//   - config: show or validate the resolved configuration
//   - version: print build information
//
// # Configuration
//
// Commands read configuration from these sources, highest precedence first:
//
//  1. Command-line flags (--config, --log-level, serve --port)
//  2. Environment variables (STENCIL_VIEWS_ROOTS, STENCIL_SERVER_PORT, ...)
//  3. The configuration file: --config, STENCIL_CONFIG_FILE or .stencil.yml
//  4. Built-in defaults
package cmd
