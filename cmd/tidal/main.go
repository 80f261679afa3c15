// Tidal CLI entry point
//
// Tidal keeps on-device documents and a remote backend in sync: a durable
// push queue for local mutations, interval pulls for remote changes, and
// per-collection conflict resolution with an auditable trail.
package main

import "github.com/tidal-app/tidal/internal/presentation/cli/commands"

func main() {
	commands.Execute()
}
