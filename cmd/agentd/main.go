package main

import (
	"log"

	"polyswarmclient/services/agentd"
)

func main() {
	if err := agentd.Main(); err != nil {
		log.Fatalf("agentd: %v", err)
	}
}
