package main

import "github.com/audiolibrelab/kwikrec/cmd"

func main() {
	cmd.Execute()
}
