package main

import (
	"log"

	"github.com/logquorum/raft/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Fatal(err)
	}
}
