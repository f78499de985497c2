package main

import (
	"log"

	"github.com/JJ-8/ptwalk/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
