// Package cli implements the netwatch command-line interface on cobra.
//
// Commands:
//
//   - proxy start: run the observing proxy
//   - proxy ca: generate and export the interception CA
//   - fetch: issue one observed request
//   - browse: open pages in a headless browser with the observer loaded
//   - config: show or initialise configuration
//   - version: print build information
package cli
