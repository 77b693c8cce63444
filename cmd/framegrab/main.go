package main

import "github.com/bryanchriswhite/FrameGrab/cmd/framegrab/commands"

func main() {
	commands.Execute()
}
