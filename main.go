package main

import "github.com/hlord2000/discordbot/cmd"

func main() {
	cmd.Execute()
}
