package main

import "trip-agent/agent_go/cmd"

func main() {
	cmd.Execute()
}
