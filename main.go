package main

import "github.com/aceteam-ai/tally/cmd"

func main() {
	cmd.Execute()
}
