// Command gateway is a configuration-driven reverse proxy. It routes each
// request by longest path prefix either to a round-robin upstream group or to
// a static file tree.
//
// Usage:
//
//	# Start with a config file
//	gateway run --config ./config.yaml
//
//	# Reload routing when the file changes
//	gateway run --config ./config.yaml --watch
//
//	# Check a config without starting
//	gateway validate --config ./config.yaml
package main

func main() {
	Execute()
}
