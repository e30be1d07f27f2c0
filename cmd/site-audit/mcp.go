package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Sriram-PR/site-audit/pkg/mcp"
)

// runMcpServer handles the mcp-server subcommand
func runMcpServer(args []string) {
	fs := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	transport := fs.String("transport", "stdio", "Transport type (stdio, sse)")
	port := fs.Int("port", 8080, "HTTP port (for sse transport)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: site-audit mcp-server [options]

Start an MCP (Model Context Protocol) server for AI tool integration.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  site-audit mcp-server -config config.yaml
  site-audit mcp-server -config config.yaml -transport sse -port 8080

Available MCP Tools:
  start_crawl, run_batch, set_crawl_status, delete_crawl, analyze_crawl,
  crawl_status, list_crawls, list_pages, list_issues, list_link_audits, page_grade
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doMcpServer(*configFile, *transport, *port, *logLevel, os.Stderr))
}

// doMcpServer is the testable implementation of the MCP server.
// The protocol owns stdout, so logs go to stderr.
func doMcpServer(configPath, transport string, port int, logLevel string, stderr io.Writer) int {
	jsonOut := false
	a, err := openApp(context.Background(), commonFlags{configFile: &configPath, logLevel: &logLevel, jsonOut: &jsonOut}, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	server, err := mcp.NewServer(&mcp.ServerConfig{
		Orchestrator: a.orch,
		Transport:    transport,
		Port:         port,
		Logger:       a.log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating MCP server: %v\n", err)
		return 1
	}

	a.log.Infof("Starting MCP server (transport: %s)", transport)
	if err := server.Run(); err != nil {
		fmt.Fprintf(stderr, "MCP server error: %v\n", err)
		return 1
	}
	return 0
}
