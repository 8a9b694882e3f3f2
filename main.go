package main

import "github.com/aceteam-ai/captioner/cmd"

func main() {
	cmd.Execute()
}
