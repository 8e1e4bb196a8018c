package main

import "github.com/venlock/courier/server/cmd"

func main() {
	cmd.Execute()
}
