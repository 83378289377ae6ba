package main

import "github.com/gup-build/gup/cmd"

func main() {
	cmd.Execute()
}
