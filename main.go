package main

import "github.com/hearthbot/hearth/cmd"

func main() {
	cmd.Execute()
}
