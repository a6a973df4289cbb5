// Package main mints console session JWTs for local development and for the
// service credential a console sends to a remote token-exchange proxy
// (marketplace.token_proxy_auth_token). It signs with the same auth.jwt_secret
// and issuer the server validates against, so the output works as-is in an
// Authorization: Bearer header.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/marketlink/connect-console/internal/auth"
	"github.com/marketlink/connect-console/internal/config"
)

func main() {
	userID := flag.String("user", "dev-user", "user id placed in the token subject")
	email := flag.String("email", "", "optional email claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Fatal("auth.jwt_secret is not set; a token signed with a random secret would be useless")
	}

	keys, err := auth.NewSessionKeys(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		log.Fatalf("Failed to load signing key: %v", err)
	}
	token, err := keys.Sign(*userID, *email, *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	fmt.Println("==========================================================")
	fmt.Printf("Session token for %s (expires in %s)\n", *userID, *ttl)
	fmt.Println("==========================================================")
	fmt.Printf("\nAuthorization: Bearer %s\n\n", token)
}
