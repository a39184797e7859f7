// Package version exposes the build version of the service.
package version

// Version is overridden at build time via -ldflags.
var Version = "dev"
