// Command tasker reads a declarative task file describing a directed
// graph of tasks, validates it, and executes it across local or remote
// execution backends.
package main

import "os"

func main() {
	os.Exit(run())
}
