// Package main is a development utility that mints an API key and prints a ready-to-run SQL
// INSERT for it, so a local database can be seeded with a usable key before any session-based
// issuance is available. Use the API to issue keys in real deployments.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/carp-registry/carp/internal/auth"
)

func main() {
	owner := pflag.String("owner", "dev-user", "owner_id for the key")
	name := pflag.String("name", "dev", "key label")
	scopes := pflag.StringSlice("scope", []string{"read", "publish"}, "scopes to grant")
	prefix := pflag.String("prefix", auth.DefaultKeyPrefix, "key prefix")
	pflag.Parse()

	if err := auth.ValidateScopes(*scopes); err != nil {
		log.Fatal(err)
	}
	key, err := auth.GenerateAPIKey(*prefix)
	if err != nil {
		log.Fatal(err)
	}
	scopeJSON, err := json.Marshal(auth.NormalizeScopes(*scopes))
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("API key:  %s\n", key.Plaintext)
	fmt.Printf("Hash:     %s\n", key.Hash)
	fmt.Printf("Prefix:   %s\n\n", key.DisplayPrefix)
	fmt.Fprintln(os.Stdout, "-- seed statement")
	fmt.Printf("INSERT INTO api_keys (id, owner_id, name, secret_hash, prefix, scopes)\n"+
		"VALUES ('%s', '%s', '%s', '%s', '%s', '%s'::jsonb);\n",
		uuid.New().String(), *owner, *name, key.Hash, key.DisplayPrefix, scopeJSON)
}
