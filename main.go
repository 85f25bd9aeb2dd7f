package main

import "example.com/backstage/services/ingest/cmd"

func main() {
	cmd.Execute()
}
