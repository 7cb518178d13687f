// Command genkeys generates an Ed25519 keypair for a bank instance and
// writes both halves to disk in PEM form.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/banknet/banknet/internal/identity"
)

func main() {
	privPath := flag.String("private", "bank.key", "output path for the private key (PKCS8 PEM)")
	pubPath := flag.String("public", "bank.pub", "output path for the public key (PKIX PEM)")
	force := flag.Bool("force", false, "overwrite existing key files")
	flag.Parse()

	if !*force {
		for _, path := range []string{*privPath, *pubPath} {
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(os.Stderr, "%s already exists, use -force to overwrite\n", path)
				os.Exit(1)
			}
		}
	}

	keypair, err := identity.Generate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate keypair: %v\n", err)
		os.Exit(1)
	}
	if err := keypair.Save(*privPath, *pubPath); err != nil {
		fmt.Fprintf(os.Stderr, "save keypair: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s and %s\n", *privPath, *pubPath)
}
