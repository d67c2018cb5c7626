package main

import "github.com/dbsmedya/importguard/cmd/importguard/cmd"

func main() {
	cmd.Execute()
}
