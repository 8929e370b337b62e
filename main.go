package main

import "github.com/nextTPCloud/Omerix-sub006/cmd"

func main() {
	cmd.Execute()
}
