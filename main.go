package main

import "github.com/rand/refinery/internal/cmd"

func main() {
	cmd.Execute()
}
