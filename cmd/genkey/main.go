// Package main generates the ENCRYPTION_KEY and ENCRYPTION_SALT values used to
// seal marketplace tokens at rest. Keep the output out of version control; a
// lost key makes every stored connection unreadable and users must reconnect.
package main

import (
	"encoding/base64"
	"fmt"
	"log"

	"github.com/marketlink/connect-console/internal/crypto"
)

func main() {
	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}
	salt, err := crypto.GenerateSalt(16)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("Token encryption key generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nENCRYPTION_KEY=%s\n", base64.StdEncoding.EncodeToString(key))
	fmt.Printf("ENCRYPTION_SALT=%s\n\n", base64.RawURLEncoding.EncodeToString(salt))
}
