package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// Generates a random hex secret, suitable for SECRET_KEY or WEBHOOK_SECRET
func main() {
	n := pflag.IntP("bytes", "n", 32, "secret length in bytes")
	pflag.Parse()

	b := make([]byte, *n)

	_, err := rand.Read(b)
	if err != nil {
		fmt.Printf("error while generating secret key: %v", err)
		os.Exit(1)
	}

	fmt.Println(hex.EncodeToString(b))
}
