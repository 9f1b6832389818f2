// Command agentlock coordinates locks, sessions and work-item claims
// between agent processes sharing a repository.
package main

import "github.com/jvs-project/agentlock/internal/cli"

func main() {
	cli.Execute()
}
