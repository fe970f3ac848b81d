// Command token prints a signed access token for local testing of the
// booking API. It signs with JWT_SECRET from the environment or .env.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/iliyamo/ticket-booking/internal/middleware"
	"github.com/iliyamo/ticket-booking/internal/utils"
)

func main() {
	_ = godotenv.Load()

	user := flag.String("user", "", "subject of the token")
	role := flag.String("role", middleware.RoleCustomer, "role claim: CUSTOMER or ORGANIZER")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" || *user == "" {
		fmt.Fprintln(os.Stderr, "usage: JWT_SECRET=... token -user <id> [-role CUSTOMER|ORGANIZER] [-ttl 1h]")
		os.Exit(2)
	}
	tok, err := utils.NewAccessToken(secret, *user, *role, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sign token:", err)
		os.Exit(1)
	}
	fmt.Println(tok.Token)
}
